package store

import (
	"context"

	"deskchat/module/chat/model"
)

// Store is the durable home of rooms, participants and the per-room message log.
//
// Errors carry tools/errs codes: ErrRecordNotFound for missing rows,
// ErrDuplicateKey when a DIRECT pair key is taken, ErrSeqConflict when a
// (room, seq) pair already exists.
type Store interface {
	// CreateRoom inserts the room and its participant rows atomically.
	CreateRoom(ctx context.Context, room *model.Room, participants []*model.Participant) error
	GetRoom(ctx context.Context, roomID int64) (*model.Room, error)
	FindDirectRoom(ctx context.Context, pairKey string) (*model.Room, error)
	// ListRoomsForUser returns rooms with an ACTIVE row for the user, newest activity first.
	ListRoomsForUser(ctx context.Context, userID string) ([]*model.Room, error)

	GetParticipant(ctx context.Context, roomID int64, userID string) (*model.Participant, error)
	ListParticipants(ctx context.Context, roomID int64) ([]*model.Participant, error)
	// SaveParticipant upserts by (room, user). LastReadSeq is merged with max().
	SaveParticipant(ctx context.Context, p *model.Participant) error
	// AdvanceReadSeq sets lastReadSeq = max(lastReadSeq, seq) and returns the result.
	AdvanceReadSeq(ctx context.Context, roomID int64, userID string, seq int64) (int64, error)

	MaxSeq(ctx context.Context, roomID int64) (int64, error)
	// AppendMessage persists msg and advances the room's last-message cache.
	AppendMessage(ctx context.Context, msg *model.Message) error
	// PageMessages returns messages newest first plus the room's total count.
	PageMessages(ctx context.Context, roomID int64, offset, limit int) ([]*model.Message, int64, error)
}
