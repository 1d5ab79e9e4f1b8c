package store

import (
	"context"
	"sort"
	"sync"

	"deskchat/module/chat/model"
	"deskchat/tools/errs"
)

// Memory keeps everything in process. Used for development and tests.
type Memory struct {
	mu      sync.RWMutex
	rooms   map[int64]*model.Room
	pairIdx map[string]int64
	parts   map[int64]map[string]*model.Participant
	msgs    map[int64][]*model.Message
	seqs    map[int64]map[int64]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		rooms:   make(map[int64]*model.Room),
		pairIdx: make(map[string]int64),
		parts:   make(map[int64]map[string]*model.Participant),
		msgs:    make(map[int64][]*model.Message),
		seqs:    make(map[int64]map[int64]struct{}),
	}
}

func (m *Memory) CreateRoom(_ context.Context, room *model.Room, participants []*model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.ID]; ok {
		return errs.ErrDuplicateKey.WrapMsg("room id taken", "roomId", room.ID)
	}
	if room.PairKey != "" {
		if _, ok := m.pairIdx[room.PairKey]; ok {
			return errs.ErrDuplicateKey.WrapMsg("direct pair taken", "pairKey", room.PairKey)
		}
		m.pairIdx[room.PairKey] = room.ID
	}
	m.rooms[room.ID] = room.Clone()
	rows := make(map[string]*model.Participant, len(participants))
	for _, p := range participants {
		rows[p.UserID] = p.Clone()
	}
	m.parts[room.ID] = rows
	m.seqs[room.ID] = make(map[int64]struct{})
	return nil
}

func (m *Memory) GetRoom(_ context.Context, roomID int64) (*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("room not found", "roomId", roomID)
	}
	return r.Clone(), nil
}

func (m *Memory) FindDirectRoom(_ context.Context, pairKey string) (*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pairIdx[pairKey]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("direct room not found", "pairKey", pairKey)
	}
	return m.rooms[id].Clone(), nil
}

func (m *Memory) ListRoomsForUser(_ context.Context, userID string) ([]*model.Room, error) {
	m.mu.RLock()
	out := make([]*model.Room, 0)
	for roomID, rows := range m.parts {
		if p, ok := rows[userID]; ok && p.Active() {
			out = append(out, m.rooms[roomID].Clone())
		}
	}
	m.mu.RUnlock()

	SortRooms(out)
	return out, nil
}

// SortRooms orders by lastMsgAt desc (never-messaged last), then createdAt desc.
func SortRooms(rooms []*model.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i], rooms[j]
		switch {
		case a.LastMsgAt != nil && b.LastMsgAt == nil:
			return true
		case a.LastMsgAt == nil && b.LastMsgAt != nil:
			return false
		case a.LastMsgAt != nil && b.LastMsgAt != nil && !a.LastMsgAt.Equal(*b.LastMsgAt):
			return a.LastMsgAt.After(*b.LastMsgAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func (m *Memory) GetParticipant(_ context.Context, roomID int64, userID string) (*model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[roomID][userID]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("participant not found", "roomId", roomID, "userId", userID)
	}
	return p.Clone(), nil
}

func (m *Memory) ListParticipants(_ context.Context, roomID int64) ([]*model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.parts[roomID]
	out := make([]*model.Participant, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *Memory) SaveParticipant(_ context.Context, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[p.RoomID]; !ok {
		return errs.ErrRecordNotFound.WrapMsg("room not found", "roomId", p.RoomID)
	}
	rows := m.parts[p.RoomID]
	cp := p.Clone()
	if old, ok := rows[p.UserID]; ok && old.LastReadSeq > cp.LastReadSeq {
		cp.LastReadSeq = old.LastReadSeq
	}
	rows[p.UserID] = cp
	return nil
}

func (m *Memory) AdvanceReadSeq(_ context.Context, roomID int64, userID string, seq int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[roomID][userID]
	if !ok {
		return 0, errs.ErrRecordNotFound.WrapMsg("participant not found", "roomId", roomID, "userId", userID)
	}
	p.AdvanceRead(seq)
	return p.LastReadSeq, nil
}

func (m *Memory) MaxSeq(_ context.Context, roomID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var top int64
	for s := range m.seqs[roomID] {
		if s > top {
			top = s
		}
	}
	return top, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[msg.RoomID]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("room not found", "roomId", msg.RoomID)
	}
	if _, dup := m.seqs[msg.RoomID][msg.MessageSeq]; dup {
		return errs.ErrSeqConflict.WrapMsg("seq taken", "roomId", msg.RoomID, "seq", msg.MessageSeq)
	}
	m.seqs[msg.RoomID][msg.MessageSeq] = struct{}{}
	m.msgs[msg.RoomID] = append(m.msgs[msg.RoomID], msg.Clone())
	room.ApplyMessage(msg)
	return nil
}

func (m *Memory) PageMessages(_ context.Context, roomID int64, offset, limit int) ([]*model.Message, int64, error) {
	m.mu.RLock()
	all := make([]*model.Message, len(m.msgs[roomID]))
	copy(all, m.msgs[roomID])
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].MessageSeq > all[j].MessageSeq })
	total := int64(len(all))
	if offset < 0 || offset >= len(all) {
		return []*model.Message{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	out := make([]*model.Message, 0, end-offset)
	for _, msg := range all[offset:end] {
		out = append(out, msg.Clone())
	}
	return out, total, nil
}
