package model

import (
	"strconv"
	"time"
)

type RoomType string

const (
	RoomDirect RoomType = "DIRECT"
	RoomGroup  RoomType = "GROUP"
)

// Room is a chat conversation. PairKey is set only for DIRECT rooms and is unique.
type Room struct {
	ID             int64      `json:"id"`
	RoomType       RoomType   `json:"roomType"`
	PairKey        string     `json:"pairKey,omitempty"`
	Name           string     `json:"name,omitempty"`
	LastMsgSeq     int64      `json:"lastMsgSeq"`
	LastMsgContent string     `json:"lastMsgContent,omitempty"`
	LastMsgAt      *time.Time `json:"lastMsgAt,omitempty"`
	Audit
}

// ApplyMessage advances the last-message cache; older sequences are ignored.
func (r *Room) ApplyMessage(m *Message) bool {
	if m.MessageSeq <= r.LastMsgSeq {
		return false
	}
	at := m.CreatedAt
	r.LastMsgSeq = m.MessageSeq
	r.LastMsgContent = m.Content
	r.LastMsgAt = &at
	r.Touch(at)
	return true
}

func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	if r.LastMsgAt != nil {
		at := *r.LastMsgAt
		cp.LastMsgAt = &at
	}
	return &cp
}

func normPair(a, b string) (lo, hi string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// DirectPairKey 单聊的统一会话 key：p2p:<len(min)>:min|max
// 带上长度，标识里出现 "|" 也不会撞 key
func DirectPairKey(a, b string) string {
	lo, hi := normPair(a, b)
	return "p2p:" + strconv.Itoa(len(lo)) + ":" + lo + "|" + hi
}
