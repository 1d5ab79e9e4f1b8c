package service

import (
	"context"
	"errors"
	"strings"

	"deskchat/logger"
	"deskchat/module/chat/model"
	"deskchat/tools/errs"

	"go.uber.org/zap"
)

// RoomDirectory creates and resolves rooms and tracks membership. Every
// membership change is announced with a SYSTEM message through the engine.
// The change is committed before the announcement; a failed announcement is
// logged and does not undo it.
type RoomDirectory struct {
	e *Engine
}

func NewRoomDirectory(e *Engine) *RoomDirectory { return &RoomDirectory{e: e} }

// GetActiveRoomsForUser lists rooms with an ACTIVE row for userID, most recent activity first.
func (d *RoomDirectory) GetActiveRoomsForUser(ctx context.Context, userID string) ([]*RoomView, error) {
	rooms, err := d.e.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := d.e.nameCache()
	out := make([]*RoomView, 0, len(rooms))
	for _, r := range rooms {
		v, err := d.roomView(ctx, r, userID, names)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetRoom returns room detail for an ACTIVE participant.
func (d *RoomDirectory) GetRoom(ctx context.Context, roomID int64, userID string) (*RoomView, error) {
	room, err := d.e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := d.e.RequireActive(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return d.roomView(ctx, room, userID, d.e.nameCache())
}

// CreateGroupRoom creates a GROUP room with the creator and the distinct invitees.
func (d *RoomDirectory) CreateGroupRoom(ctx context.Context, name, creatorID string, inviteeIDs []string) (*RoomView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.ErrArgs.WrapMsg("room name is required")
	}
	invitees := distinct(inviteeIDs, creatorID)
	if err := d.requireMembers(ctx, invitees); err != nil {
		return nil, err
	}

	now := d.e.now()
	room := &model.Room{
		ID:       d.e.idGen.Next(),
		RoomType: model.RoomGroup,
		Name:     name,
		Audit:    model.NewAudit(now),
	}
	parts := make([]*model.Participant, 0, len(invitees)+1)
	parts = append(parts, model.NewParticipant(room.ID, creatorID, 0, now))
	for _, uid := range invitees {
		parts = append(parts, model.NewParticipant(room.ID, uid, 0, now))
	}
	if err := d.e.store.CreateRoom(ctx, room, parts); err != nil {
		return nil, err
	}
	logger.Info("[Chat] group room created",
		zap.Int64("roomId", room.ID), zap.String("userId", creatorID), zap.Int("members", len(parts)))

	text := d.e.displayName(ctx, creatorID) + " created the room."
	d.announce(ctx, room.ID, text, creatorID)
	return d.GetRoom(ctx, room.ID, creatorID)
}

// GetOrCreateDirectRoom returns the one DIRECT room for the unordered pair,
// creating it or reactivating the caller's row as needed.
func (d *RoomDirectory) GetOrCreateDirectRoom(ctx context.Context, userID, targetID string) (*RoomView, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, errs.ErrArgs.WrapMsg("targetUserId is required")
	}
	if userID == targetID {
		return nil, errs.ErrArgs.WrapMsg("cannot open a direct room with yourself", "userId", userID)
	}
	if err := d.requireMembers(ctx, []string{targetID}); err != nil {
		return nil, err
	}

	key := model.DirectPairKey(userID, targetID)
	room, err := d.e.store.FindDirectRoom(ctx, key)
	switch {
	case err == nil:
		if err := d.ensureActive(ctx, room, userID); err != nil {
			return nil, err
		}
	case errors.Is(err, errs.ErrRecordNotFound):
		room, err = d.createDirect(ctx, key, userID, targetID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return d.roomView(ctx, room, userID, d.e.nameCache())
}

func (d *RoomDirectory) createDirect(ctx context.Context, key, userID, targetID string) (*model.Room, error) {
	now := d.e.now()
	room := &model.Room{
		ID:       d.e.idGen.Next(),
		RoomType: model.RoomDirect,
		PairKey:  key,
		Audit:    model.NewAudit(now),
	}
	parts := []*model.Participant{
		model.NewParticipant(room.ID, userID, 0, now),
		model.NewParticipant(room.ID, targetID, 0, now),
	}
	err := d.e.store.CreateRoom(ctx, room, parts)
	if err == nil {
		logger.Info("[Chat] direct room created", zap.Int64("roomId", room.ID), zap.String("pairKey", key))
		return room, nil
	}
	if !errors.Is(err, errs.ErrDuplicateKey) {
		return nil, err
	}
	// 并发创建：另一方已经建好，回读即可
	existing, ferr := d.e.store.FindDirectRoom(ctx, key)
	if ferr != nil {
		return nil, ferr
	}
	if err := d.ensureActive(ctx, existing, userID); err != nil {
		return nil, err
	}
	return existing, nil
}

// ensureActive makes sure userID has an ACTIVE row; a LEFT row keeps its cursor.
func (d *RoomDirectory) ensureActive(ctx context.Context, room *model.Room, userID string) error {
	now := d.e.now()
	p, err := d.e.store.GetParticipant(ctx, room.ID, userID)
	switch {
	case err == nil && p.Active():
		return nil
	case err == nil:
		p.Reactivate(now)
	case errors.Is(err, errs.ErrRecordNotFound):
		p = model.NewParticipant(room.ID, userID, 0, now)
	default:
		return err
	}
	logger.Info("[Chat] participant activated", zap.Int64("roomId", room.ID), zap.String("userId", userID))
	return d.e.store.SaveParticipant(ctx, p)
}

// InviteUsers adds or reactivates targets in a GROUP room. New joiners start
// caught up. Targets already ACTIVE are skipped; if nobody changed, nothing is announced.
func (d *RoomDirectory) InviteUsers(ctx context.Context, roomID int64, inviterID string, userIDs []string) error {
	room, err := d.e.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.RoomType != model.RoomGroup {
		return errs.ErrNoPermission.WrapMsg("invites are only allowed in group rooms", "roomId", roomID)
	}
	if _, err := d.e.RequireActive(ctx, roomID, inviterID); err != nil {
		return err
	}
	targets := distinct(userIDs, inviterID)
	if len(targets) == 0 {
		return errs.ErrArgs.WrapMsg("userIds is required")
	}
	if err := d.requireMembers(ctx, targets); err != nil {
		return err
	}

	now := d.e.now()
	added := make([]string, 0, len(targets))
	for _, uid := range targets {
		p, err := d.e.store.GetParticipant(ctx, roomID, uid)
		switch {
		case err == nil && p.Active():
			continue
		case err == nil:
			p.Reactivate(now)
			p.AdvanceRead(room.LastMsgSeq)
		case errors.Is(err, errs.ErrRecordNotFound):
			p = model.NewParticipant(roomID, uid, room.LastMsgSeq, now)
		default:
			return err
		}
		if err := d.e.store.SaveParticipant(ctx, p); err != nil {
			return err
		}
		added = append(added, uid)
	}
	if len(added) == 0 {
		logger.Debug("[Chat] invite is a no-op", zap.Int64("roomId", roomID), zap.String("userId", inviterID))
		return nil
	}

	names := d.e.nameCache()
	invited := make([]string, 0, len(added))
	for _, uid := range added {
		invited = append(invited, names.get(ctx, uid))
	}
	text := names.get(ctx, inviterID) + " invited " + strings.Join(invited, ", ") + "."
	d.announce(ctx, roomID, text, inviterID)
	return nil
}

// LeaveRoom flips the caller's row to LEFT. The row is kept.
func (d *RoomDirectory) LeaveRoom(ctx context.Context, roomID int64, userID string) error {
	p, err := d.e.store.GetParticipant(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !p.Active() {
		return errs.ErrConflict.WrapMsg("already left", "roomId", roomID, "userId", userID)
	}
	p.Leave(d.e.now())
	if err := d.e.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	logger.Info("[Chat] participant left", zap.Int64("roomId", roomID), zap.String("userId", userID))
	// 先摘订阅，离开者收不到自己的离开通知
	d.e.evict(ctx, roomID, userID)

	text := d.e.displayName(ctx, userID) + " left the room."
	d.announce(ctx, roomID, text, userID)
	return nil
}

func (d *RoomDirectory) announce(ctx context.Context, roomID int64, text, actorID string) {
	if _, err := d.e.CreateSystemMessage(ctx, roomID, text, actorID); err != nil {
		logger.Error("[Chat] system message failed", zap.Int64("roomId", roomID), zap.String("userId", actorID), zap.Error(err))
	}
}

func (d *RoomDirectory) requireMembers(ctx context.Context, userIDs []string) error {
	for _, uid := range userIDs {
		ok, err := d.e.members.Exists(ctx, uid)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrArgs.WrapMsg("member does not exist", "userId", uid)
		}
	}
	return nil
}

func (d *RoomDirectory) roomView(ctx context.Context, room *model.Room, userID string, names *nameCache) (*RoomView, error) {
	parts, err := d.e.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	v := &RoomView{
		ID:             room.ID,
		RoomType:       room.RoomType,
		Name:           room.Name,
		LastMsgSeq:     room.LastMsgSeq,
		LastMsgContent: room.LastMsgContent,
		LastMsgAt:      room.LastMsgAt,
		CreatedAt:      room.CreatedAt,
		Participants:   make([]ParticipantView, 0, len(parts)),
	}
	for _, p := range parts {
		if p.UserID == userID {
			v.UnreadCount = p.Unread(room.LastMsgSeq)
		}
		v.Participants = append(v.Participants, participantView(p, names.get(ctx, p.UserID)))
	}
	return v, nil
}

// distinct drops blanks, duplicates and self, keeping first-seen order.
func distinct(ids []string, self string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == self {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
