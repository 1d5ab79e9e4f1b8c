package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"deskchat/module/chat/model"
	"deskchat/tools/errs"
	"deskchat/tools/ids"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIDs = ids.NewGenerator(3)

func newGroup(now time.Time, users ...string) (*model.Room, []*model.Participant) {
	room := &model.Room{ID: testIDs.Next(), RoomType: model.RoomGroup, Name: "ops", Audit: model.NewAudit(now)}
	parts := make([]*model.Participant, 0, len(users))
	for _, u := range users {
		parts = append(parts, model.NewParticipant(room.ID, u, 0, now))
	}
	return room, parts
}

func msgAt(roomID, seq int64, at time.Time, content string) *model.Message {
	return &model.Message{
		ID: testIDs.Next(), RoomID: roomID, MessageSeq: seq, SenderID: "a",
		MessageType: model.MessageText, Content: content, CreatedAt: at,
	}
}

// runContract exercises behavior every Store implementation must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("direct pair key is unique", func(t *testing.T) {
		key := model.DirectPairKey("x-"+ids.GenerateString(), "y")
		r1 := &model.Room{ID: testIDs.Next(), RoomType: model.RoomDirect, PairKey: key, Audit: model.NewAudit(now)}
		require.NoError(t, s.CreateRoom(ctx, r1, nil))

		r2 := &model.Room{ID: testIDs.Next(), RoomType: model.RoomDirect, PairKey: key, Audit: model.NewAudit(now)}
		err := s.CreateRoom(ctx, r2, nil)
		assert.True(t, errors.Is(err, errs.ErrDuplicateKey))

		got, err := s.FindDirectRoom(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, r1.ID, got.ID)
	})

	t.Run("missing rows are not found", func(t *testing.T) {
		_, err := s.GetRoom(ctx, -1)
		assert.True(t, errors.Is(err, errs.ErrRecordNotFound))
		_, err = s.GetParticipant(ctx, -1, "nobody")
		assert.True(t, errors.Is(err, errs.ErrRecordNotFound))
		_, err = s.AdvanceReadSeq(ctx, -1, "nobody", 3)
		assert.True(t, errors.Is(err, errs.ErrRecordNotFound))
	})

	t.Run("append rejects duplicate seq and advances summary", func(t *testing.T) {
		room, parts := newGroup(now, "a", "b")
		require.NoError(t, s.CreateRoom(ctx, room, parts))

		require.NoError(t, s.AppendMessage(ctx, msgAt(room.ID, 1, now, "one")))
		require.NoError(t, s.AppendMessage(ctx, msgAt(room.ID, 3, now.Add(time.Second), "three")))
		err := s.AppendMessage(ctx, msgAt(room.ID, 3, now, "dup"))
		assert.True(t, errors.Is(err, errs.ErrSeqConflict))
		require.NoError(t, s.AppendMessage(ctx, msgAt(room.ID, 2, now, "late two")))

		got, err := s.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.LastMsgSeq)
		assert.Equal(t, "three", got.LastMsgContent)

		top, err := s.MaxSeq(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), top)

		page, total, err := s.PageMessages(ctx, room.ID, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, page, 2)
		assert.Equal(t, int64(3), page[0].MessageSeq)
		assert.Equal(t, int64(2), page[1].MessageSeq)

		page, _, err = s.PageMessages(ctx, room.ID, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(1), page[0].MessageSeq)

		page, total, err = s.PageMessages(ctx, room.ID, math.MaxInt-100, 100)
		require.NoError(t, err)
		assert.Empty(t, page)
		assert.Equal(t, int64(3), total)
	})

	t.Run("read cursor is monotonic", func(t *testing.T) {
		room, parts := newGroup(now, "a")
		require.NoError(t, s.CreateRoom(ctx, room, parts))

		cur, err := s.AdvanceReadSeq(ctx, room.ID, "a", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), cur)
		cur, err = s.AdvanceReadSeq(ctx, room.ID, "a", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(5), cur)

		p, err := s.GetParticipant(ctx, room.ID, "a")
		require.NoError(t, err)
		p.LastReadSeq = 1
		p.Leave(now)
		require.NoError(t, s.SaveParticipant(ctx, p))

		p, err = s.GetParticipant(ctx, room.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, model.ParticipantLeft, p.Status)
		assert.Equal(t, int64(5), p.LastReadSeq, "upsert must not regress the cursor")
	})

	t.Run("rooms for user are ordered and active only", func(t *testing.T) {
		user := "order-" + ids.GenerateString()
		quiet, qp := newGroup(now.Add(-time.Hour), user)
		old, op := newGroup(now.Add(-2*time.Hour), user)
		fresh, fp := newGroup(now.Add(-3*time.Hour), user)
		gone, gp := newGroup(now, user)
		for _, c := range []struct {
			r *model.Room
			p []*model.Participant
		}{{quiet, qp}, {old, op}, {fresh, fp}, {gone, gp}} {
			require.NoError(t, s.CreateRoom(ctx, c.r, c.p))
		}
		require.NoError(t, s.AppendMessage(ctx, msgAt(old.ID, 1, now.Add(-time.Minute), "old")))
		require.NoError(t, s.AppendMessage(ctx, msgAt(fresh.ID, 1, now, "fresh")))
		gp[0].Leave(now)
		require.NoError(t, s.SaveParticipant(ctx, gp[0]))

		rooms, err := s.ListRoomsForUser(ctx, user)
		require.NoError(t, err)
		got := make([]int64, 0, len(rooms))
		for _, r := range rooms {
			got = append(got, r.ID)
		}
		assert.Equal(t, []int64{fresh.ID, old.ID, quiet.ID}, got)
	})

	t.Run("concurrent appends of distinct seqs all land", func(t *testing.T) {
		room, parts := newGroup(now, "a")
		require.NoError(t, s.CreateRoom(ctx, room, parts))

		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(seq int64) {
				defer wg.Done()
				assert.NoError(t, s.AppendMessage(ctx, msgAt(room.ID, seq, now, "m")))
			}(int64(i))
		}
		wg.Wait()
		_, total, err := s.PageMessages(ctx, room.ID, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(20), total)
	})
}
