package service

import (
	"context"
	"time"

	"deskchat/module/chat/aifilter"
)

// Broadcaster delivers a persisted message to live subscribers of a room.
// Delivery is best effort; failures are logged by the engine and dropped.
type Broadcaster interface {
	Publish(ctx context.Context, roomID int64, msg *MessageView) error
}

// Evictor is implemented by broadcasters that hold live room subscriptions.
// A participant who leaves must stop receiving that room's frames.
type Evictor interface {
	Evict(ctx context.Context, roomID int64, userID string) error
}

// Filter is the AI rewrite step. It never fails; see aifilter.Gateway.
type Filter interface {
	Filter(ctx context.Context, raw string, requested bool) aifilter.Result
}

// EventPublisher receives a record of every persisted message.
type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, ev *MessageEvent) error
}

// MessageEvent is the downstream record of a persisted message. TicketTrigger
// is only meaningful for AI-filtered sends.
type MessageEvent struct {
	MessageID     int64     `json:"messageId"`
	RoomID        int64     `json:"roomId"`
	MessageSeq    int64     `json:"messageSeq"`
	SenderID      string    `json:"senderId"`
	MessageType   string    `json:"messageType"`
	TicketTrigger bool      `json:"ticketTrigger"`
	CreatedAt     time.Time `json:"createdAt"`
}

type passthrough struct{}

func (passthrough) Filter(_ context.Context, raw string, _ bool) aifilter.Result {
	return aifilter.Result{FilteredMessage: raw}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, int64, *MessageView) error { return nil }
