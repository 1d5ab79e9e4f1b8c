package model

import "time"

// Audit is the created/updated timestamp pair shared by chat rows.
type Audit struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewAudit(now time.Time) Audit {
	return Audit{CreatedAt: now, UpdatedAt: now}
}

func (a *Audit) Touch(now time.Time) {
	a.UpdatedAt = now
}
