package domain

import "errors"

var (
	ErrCallNotFound          = errors.New("call not found")
	ErrNoActiveCall          = errors.New("no active call")
	ErrCallInProgress        = errors.New("another call is in progress")
	ErrCallPending           = errors.New("call id not assigned yet")
	ErrPeerNotFound          = errors.New("peer connection not found")
	ErrSignalingDisconnected = errors.New("signaling transport disconnected")
	ErrInvalidPayload        = errors.New("invalid signaling payload")
	ErrInvalidCallType       = errors.New("invalid call type")
)
