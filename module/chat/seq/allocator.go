package seq

import (
	"context"

	pkgerrors "github.com/pkg/errors"
)

// Allocator hands out the next message sequence for a room.
// Callers serialize per room (see RoomLocks) and rely on the store's
// (room, seq) uniqueness for anything the lock cannot see.
type Allocator interface {
	Next(ctx context.Context, roomID int64) (int64, error)
}

// Resyncer is implemented by allocators that keep their own counter and can be
// pushed forward after the store reports a conflict.
type Resyncer interface {
	Resync(ctx context.Context, roomID int64, floor int64) error
}

type MaxSeqReader interface {
	MaxSeq(ctx context.Context, roomID int64) (int64, error)
}

// StoreAllocator computes max(messageSeq)+1 from the store on every call.
type StoreAllocator struct {
	Store MaxSeqReader
}

func NewStoreAllocator(s MaxSeqReader) *StoreAllocator { return &StoreAllocator{Store: s} }

func (a *StoreAllocator) Next(ctx context.Context, roomID int64) (int64, error) {
	top, err := a.Store.MaxSeq(ctx, roomID)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "read max seq")
	}
	return top + 1, nil
}
