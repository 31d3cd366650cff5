package memory

import (
	"context"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type MemoryCallRepository struct {
	mu       sync.RWMutex
	snapshot *domain.CallSnapshot
}

func NewMemoryCallRepository() ports.CallRepository {
	return &MemoryCallRepository{}
}

func (r *MemoryCallRepository) Save(ctx context.Context, snapshot domain.CallSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = &snapshot
	return nil
}

func (r *MemoryCallRepository) Load(ctx context.Context) (*domain.CallSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return nil, domain.ErrCallNotFound
	}
	cp := *r.snapshot
	return &cp, nil
}

func (r *MemoryCallRepository) Delete(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = nil
	return nil
}
