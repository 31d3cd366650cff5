package ports

import (
	"time"

	"meshcall/internal/core/domain"
)

// CallMetrics receives call layer measurements.
type CallMetrics interface {
	CallStarted(callType domain.CallType, direction string)
	CallEnded(reason domain.EndReason, duration time.Duration)
	PeerConnectionsChanged(count int)
	PeerStateChanged(state string)
	NegotiationCompleted(kind string, duration time.Duration)
	ICERestarted()
	CandidatesBuffered(count int)
	SignalingMessage(direction, event string)
	SignalingDropped(event string)
	MediaAcquisitionFailed(code string)
}

// RelayMetrics receives signaling relay measurements.
type RelayMetrics interface {
	ConnectionsChanged(count int)
	CallSessionOpened()
	CallSessionClosed(outcome string)
	MessageRelayed(event string)
	MessageRejected(reason string)
}
