package store

import (
	"context"
	"testing"
	"time"

	"deskchat/module/chat/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryContract(t *testing.T) {
	runContract(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	room, parts := newGroup(time.Now(), "a")
	require.NoError(t, s.CreateRoom(ctx, room, parts))

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", again.Name)
}

func TestSortRoomsTieBreaksOnCreatedAt(t *testing.T) {
	now := time.Now()
	a := &model.Room{ID: 1, Audit: model.NewAudit(now.Add(-time.Hour))}
	b := &model.Room{ID: 2, Audit: model.NewAudit(now)}
	rooms := []*model.Room{a, b}
	SortRooms(rooms)
	assert.Equal(t, int64(2), rooms[0].ID)
}
