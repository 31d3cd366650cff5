package ports

import (
	"context"

	"meshcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Sender is an outbound track slot. *webrtc.RTPSender satisfies it.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	Senders() []Sender

	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	OnTrack(handler func(track domain.RemoteTrack))
	// OnICECandidate is not called for the end-of-gathering marker.
	OnICECandidate(handler func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(state webrtc.PeerConnectionState))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error)
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) ([]*domain.LocalTrack, error)
	GetDisplayMedia(ctx context.Context) (*domain.LocalTrack, error)
}

// Identity returns the authenticated local user.
type Identity interface {
	CurrentUser() domain.User
}
