package member

import (
	"context"
	"sync"

	"deskchat/tools/errs"
)

// Member is the slice of the member record chat needs. ID is the login email.
type Member struct {
	ID          string `json:"id" bson:"email"`
	DisplayName string `json:"displayName" bson:"nickname"`
	IsDeleted   bool   `json:"-" bson:"is_deleted,omitempty"`
}

// Directory resolves member identities for display names and invite validation.
type Directory interface {
	FindByID(ctx context.Context, id string) (*Member, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Memory is a fixed in-process directory.
type Memory struct {
	mu      sync.RWMutex
	members map[string]Member
}

func NewMemory(members ...Member) *Memory {
	m := &Memory{members: make(map[string]Member, len(members))}
	for _, mb := range members {
		m.members[mb.ID] = mb
	}
	return m
}

func (m *Memory) Put(mb Member) {
	m.mu.Lock()
	m.members[mb.ID] = mb
	m.mu.Unlock()
}

func (m *Memory) FindByID(_ context.Context, id string) (*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.members[id]
	if !ok || mb.IsDeleted {
		return nil, errs.ErrRecordNotFound.WrapMsg("member not found", "id", id)
	}
	return &mb, nil
}

func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	_, err := m.FindByID(ctx, id)
	if err != nil {
		return false, nil
	}
	return true, nil
}
