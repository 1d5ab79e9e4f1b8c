package model

import "time"

type ParticipantStatus string

const (
	ParticipantActive ParticipantStatus = "ACTIVE"
	ParticipantLeft   ParticipantStatus = "LEFT"
)

// Participant links a member to a room. Rows are never deleted; leaving flips Status.
type Participant struct {
	RoomID      int64             `json:"roomId"`
	UserID      string            `json:"userId"`
	Status      ParticipantStatus `json:"status"`
	LastReadSeq int64             `json:"lastReadSeq"`
	JoinedAt    time.Time         `json:"joinedAt"`
	LeftAt      *time.Time        `json:"leftAt,omitempty"`
	Audit
}

func NewParticipant(roomID int64, userID string, lastReadSeq int64, now time.Time) *Participant {
	return &Participant{
		RoomID:      roomID,
		UserID:      userID,
		Status:      ParticipantActive,
		LastReadSeq: lastReadSeq,
		JoinedAt:    now,
		Audit:       NewAudit(now),
	}
}

func (p *Participant) Active() bool { return p != nil && p.Status == ParticipantActive }

func (p *Participant) Leave(now time.Time) {
	p.Status = ParticipantLeft
	p.LeftAt = &now
	p.Touch(now)
}

// Reactivate rejoins a LEFT row; the read cursor is kept.
func (p *Participant) Reactivate(now time.Time) {
	p.Status = ParticipantActive
	p.JoinedAt = now
	p.LeftAt = nil
	p.Touch(now)
}

// AdvanceRead moves the cursor forward only.
func (p *Participant) AdvanceRead(seq int64) bool {
	if seq <= p.LastReadSeq {
		return false
	}
	p.LastReadSeq = seq
	return true
}

func (p *Participant) Unread(lastMsgSeq int64) int64 {
	if n := lastMsgSeq - p.LastReadSeq; n > 0 {
		return n
	}
	return 0
}

func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	cp := *p
	if p.LeftAt != nil {
		at := *p.LeftAt
		cp.LeftAt = &at
	}
	return &cp
}
