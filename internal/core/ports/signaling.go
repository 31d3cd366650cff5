package ports

import (
	"context"
	"encoding/json"
)

type SignalHandler func(ctx context.Context, data json.RawMessage)

// SignalingTransport is the persistent event channel to the signaling
// server. Handlers run in arrival order.
type SignalingTransport interface {
	Send(ctx context.Context, event string, payload interface{}) error
	Subscribe(event string, handler SignalHandler) (unsubscribe func())
	OnConnectionChange(handler func(connected bool))
	Connected() bool
}
