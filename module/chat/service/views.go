package service

import (
	"math"
	"time"

	"deskchat/module/chat/model"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type ParticipantView struct {
	UserID      string                  `json:"userId"`
	DisplayName string                  `json:"displayName"`
	Status      model.ParticipantStatus `json:"status"`
	LastReadSeq int64                   `json:"lastReadSeq"`
	JoinedAt    time.Time               `json:"joinedAt"`
	LeftAt      *time.Time              `json:"leftAt,omitempty"`
}

// RoomView is a room as seen by one user; UnreadCount is theirs.
type RoomView struct {
	ID             int64             `json:"id"`
	RoomType       model.RoomType    `json:"roomType"`
	Name           string            `json:"name,omitempty"`
	LastMsgSeq     int64             `json:"lastMsgSeq"`
	LastMsgContent string            `json:"lastMsgContent,omitempty"`
	LastMsgAt      *time.Time        `json:"lastMsgAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UnreadCount    int64             `json:"unreadCount"`
	Participants   []ParticipantView `json:"participants"`
}

// MessageView is the hydrated message returned to senders and subscribers.
// TicketTrigger is transient and never stored.
type MessageView struct {
	ID             int64             `json:"id"`
	ChatRoomID     int64             `json:"chatRoomId"`
	MessageSeq     int64             `json:"messageSeq"`
	SenderID       string            `json:"senderId"`
	SenderNickname string            `json:"senderNickname"`
	MessageType    model.MessageType `json:"messageType"`
	Content        string            `json:"content"`
	TicketID       *int64            `json:"ticketId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	TicketTrigger  bool              `json:"ticketTrigger"`
}

// SendRequest is the client payload for a new message.
type SendRequest struct {
	MessageType string `json:"messageType"`
	Content     string `json:"content"`
	TicketID    *int64 `json:"ticketId,omitempty"`
	AiEnabled   bool   `json:"aiEnabled"`
}

// PageRequest is 1-based.
type PageRequest struct {
	Page int `json:"page" form:"page"`
	Size int `json:"size" form:"size"`
}

func (p PageRequest) norm() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	// offset 不能溢出
	if limit := math.MaxInt / p.Size; p.Page > limit {
		p.Page = limit
	}
	return p
}

func (p PageRequest) offset() int { return (p.Page - 1) * p.Size }

type PageResponse struct {
	DtoList    []*MessageView `json:"dtoList"`
	TotalCount int64          `json:"totalCount"`
	Page       int            `json:"page"`
	Size       int            `json:"size"`
	HasNext    bool           `json:"hasNext"`
}

func participantView(p *model.Participant, name string) ParticipantView {
	return ParticipantView{
		UserID:      p.UserID,
		DisplayName: name,
		Status:      p.Status,
		LastReadSeq: p.LastReadSeq,
		JoinedAt:    p.JoinedAt,
		LeftAt:      p.LeftAt,
	}
}

func messageView(m *model.Message, nickname string, ticketTrigger bool) *MessageView {
	return &MessageView{
		ID:             m.ID,
		ChatRoomID:     m.RoomID,
		MessageSeq:     m.MessageSeq,
		SenderID:       m.SenderID,
		SenderNickname: nickname,
		MessageType:    m.MessageType,
		Content:        m.Content,
		TicketID:       m.TicketID,
		CreatedAt:      m.CreatedAt,
		TicketTrigger:  ticketTrigger,
	}
}
