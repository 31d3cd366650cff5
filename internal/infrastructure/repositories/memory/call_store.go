package memory

import (
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// CallStore keeps the current call in memory. Readers always get clones.
type CallStore struct {
	mu     sync.RWMutex
	call   *domain.Call
	stream *domain.LocalStream
}

func NewCallStore() *CallStore {
	return &CallStore{}
}

var _ ports.CallStore = (*CallStore)(nil)

func (s *CallStore) Call() *domain.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.call.Clone()
}

func (s *CallStore) LocalStream() *domain.LocalStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream
}

func (s *CallStore) SetCall(call *domain.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call = call.Clone()
	if s.call != nil && s.call.Participants == nil {
		s.call.Participants = make(map[domain.UserID]*domain.Participant)
	}
}

func (s *CallStore) SetCallID(id domain.CallID) error {
	return s.mutate(func(c *domain.Call) error {
		c.ID = id
		return nil
	})
}

func (s *CallStore) SetStatus(status domain.CallStatus) error {
	return s.mutate(func(c *domain.Call) error {
		c.Status = status
		return nil
	})
}

func (s *CallStore) AddParticipant(p domain.Participant) error {
	return s.mutate(func(c *domain.Call) error {
		if existing, ok := c.Participants[p.UserID]; ok {
			// keep the stream of a participant that re-announces itself
			if p.Stream == nil {
				p.Stream = existing.Stream
			}
		}
		c.Participants[p.UserID] = &p
		if c.StartedAt.IsZero() {
			c.StartedAt = time.Now()
		}
		return nil
	})
}

func (s *CallStore) UpdateParticipant(userID domain.UserID, update func(*domain.Participant)) error {
	return s.mutate(func(c *domain.Call) error {
		p, ok := c.Participants[userID]
		if !ok {
			return domain.ErrPeerNotFound
		}
		next := *p
		update(&next)
		next.UserID = userID
		c.Participants[userID] = &next
		return nil
	})
}

func (s *CallStore) RemoveParticipant(userID domain.UserID) error {
	return s.mutate(func(c *domain.Call) error {
		if _, ok := c.Participants[userID]; !ok {
			return domain.ErrPeerNotFound
		}
		delete(c.Participants, userID)
		return nil
	})
}

func (s *CallStore) SetLocalStream(stream *domain.LocalStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *CallStore) SetAudioEnabled(enabled bool) error {
	return s.mutate(func(c *domain.Call) error {
		c.IsAudioEnabled = enabled
		return nil
	})
}

func (s *CallStore) SetVideoEnabled(enabled bool) error {
	return s.mutate(func(c *domain.Call) error {
		c.IsVideoEnabled = enabled
		return nil
	})
}

func (s *CallStore) SetScreenSharing(sharing bool) error {
	return s.mutate(func(c *domain.Call) error {
		c.IsScreenSharing = sharing
		return nil
	})
}

func (s *CallStore) Clear() *domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.call
	s.call = nil
	s.stream = nil
	return removed
}

// Duration is the time since the first remote participant joined.
func (s *CallStore) Duration(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.call == nil || s.call.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.call.StartedAt)
}

func (s *CallStore) mutate(fn func(c *domain.Call) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return domain.ErrNoActiveCall
	}
	return fn(s.call)
}
