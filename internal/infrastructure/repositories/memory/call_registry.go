package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type MemoryCallRegistry struct {
	sessions map[domain.CallID][]byte
	mu       sync.RWMutex
}

func NewMemoryCallRegistry() ports.CallRegistry {
	return &MemoryCallRegistry{
		sessions: make(map[domain.CallID][]byte),
	}
}

// Sessions are stored encoded so callers never share maps with the registry.
func (r *MemoryCallRegistry) Create(ctx context.Context, session *domain.CallSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal call session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("call already exists: %s", session.ID)
	}
	r.sessions[session.ID] = data
	return nil
}

func (r *MemoryCallRegistry) Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	r.mu.RLock()
	data, exists := r.sessions[id]
	r.mu.RUnlock()
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	var session domain.CallSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call session: %w", err)
	}
	return &session, nil
}

func (r *MemoryCallRegistry) Update(ctx context.Context, session *domain.CallSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal call session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; !exists {
		return domain.ErrCallNotFound
	}
	r.sessions[session.ID] = data
	return nil
}

func (r *MemoryCallRegistry) Delete(ctx context.Context, id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryCallRegistry) FindByUser(ctx context.Context, userID domain.UserID) ([]*domain.CallSession, error) {
	r.mu.RLock()
	ids := make([]domain.CallID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var out []*domain.CallSession
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if s.IsMember(userID) {
			out = append(out, s)
			continue
		}
		if st, invited := s.Invites[userID]; invited && st == domain.InviteRinging {
			out = append(out, s)
		}
	}
	return out, nil
}
