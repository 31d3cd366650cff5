package ports

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
)

// CallService is the call control surface exposed to the UI layer.
type CallService interface {
	InitiateCall(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType, participantIDs []domain.UserID) (*domain.Call, error)
	AcceptCall(ctx context.Context, callID domain.CallID) error
	RejectCall(ctx context.Context, callID domain.CallID) error
	EndCall(ctx context.Context) error

	ToggleAudio(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	SwitchToVideo(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error

	CurrentCall() *domain.Call
	PendingIncoming() []domain.IncomingCall
	CallDuration() time.Duration
}

// AuthService issues and validates relay access tokens.
type AuthService interface {
	GenerateToken(user domain.User) (string, error)
	ValidateToken(token string) (*domain.User, error)
}
