package model

import (
	"strings"
	"time"
)

type MessageType string

const (
	MessageText          MessageType = "TEXT"
	MessageSystem        MessageType = "SYSTEM"
	MessageTicketPreview MessageType = "TICKET_PREVIEW"
)

// SystemSender is the sender id of system messages without an actor.
const SystemSender = "SYSTEM"

// ParseMessageType accepts the wire names case-insensitively; empty means TEXT.
func ParseMessageType(s string) (MessageType, bool) {
	switch MessageType(strings.ToUpper(strings.TrimSpace(s))) {
	case "", MessageText:
		return MessageText, true
	case MessageSystem:
		return MessageSystem, true
	case MessageTicketPreview:
		return MessageTicketPreview, true
	default:
		return "", false
	}
}

// Message is immutable once persisted.
type Message struct {
	ID          int64       `json:"id"`
	RoomID      int64       `json:"chatRoomId"`
	MessageSeq  int64       `json:"messageSeq"`
	SenderID    string      `json:"senderId"`
	MessageType MessageType `json:"messageType"`
	Content     string      `json:"content"`
	TicketID    *int64      `json:"ticketId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.TicketID != nil {
		id := *m.TicketID
		cp.TicketID = &id
	}
	return &cp
}
