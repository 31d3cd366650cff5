package ports

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
)

// CallReader is the read side of the call store, handed to components that
// must not write call state.
type CallReader interface {
	Call() *domain.Call
	LocalStream() *domain.LocalStream
}

// CallStore holds the current call and the local stream. Only the
// orchestrator writes to it.
type CallStore interface {
	CallReader

	SetCall(call *domain.Call)
	SetCallID(id domain.CallID) error
	SetStatus(status domain.CallStatus) error
	AddParticipant(p domain.Participant) error
	UpdateParticipant(userID domain.UserID, update func(*domain.Participant)) error
	RemoveParticipant(userID domain.UserID) error
	SetLocalStream(stream *domain.LocalStream)
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	SetScreenSharing(sharing bool) error

	// Clear removes the call and the local stream and returns the removed
	// call, or nil when there was none.
	Clear() *domain.Call

	Duration(now time.Time) time.Duration
}

// CallRepository persists the current call of one client so that it can be
// inspected after a restart.
type CallRepository interface {
	Save(ctx context.Context, snapshot domain.CallSnapshot) error
	Load(ctx context.Context) (*domain.CallSnapshot, error)
	Delete(ctx context.Context) error
}

// CallRegistry is the relay's view of live calls.
type CallRegistry interface {
	Create(ctx context.Context, session *domain.CallSession) error
	Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error)
	Update(ctx context.Context, session *domain.CallSession) error
	Delete(ctx context.Context, id domain.CallID) error
	FindByUser(ctx context.Context, userID domain.UserID) ([]*domain.CallSession, error)
}
