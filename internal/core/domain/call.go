package domain

import "time"

type CallID string

// PendingCallID marks a call created locally whose server id has not
// arrived yet. Nothing addressed to a peer may be sent under it.
const PendingCallID CallID = "pending"

func (id CallID) IsPending() bool {
	return id == PendingCallID || id == ""
}

type ConversationID string

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallStatus string

const (
	CallStatusOutgoing CallStatus = "outgoing"
	CallStatusIncoming CallStatus = "incoming"
	CallStatusActive   CallStatus = "active"
)

type EndReason string

const (
	EndReasonLocal    EndReason = "local"
	EndReasonRemote   EndReason = "remote"
	EndReasonRejected EndReason = "rejected"
	EndReasonMissed   EndReason = "missed"
	EndReasonFailed   EndReason = "failed"
	EndReasonStale    EndReason = "stale"
)

type Call struct {
	ID             CallID
	ConversationID ConversationID
	Type           CallType
	InitiatorID    UserID
	Status         CallStatus
	Participants   map[UserID]*Participant

	IsAudioEnabled  bool
	IsVideoEnabled  bool
	IsScreenSharing bool

	CreatedAt time.Time
	// StartedAt is zero until the first remote participant joins.
	StartedAt time.Time
}

type Participant struct {
	UserID          UserID
	Username        string
	AvatarURL       string
	IsAudioEnabled  bool
	IsVideoEnabled  bool
	IsScreenSharing bool
	Stream          *RemoteStream
}

// Clone returns a deep copy; streams are immutable and shared.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = make(map[UserID]*Participant, len(c.Participants))
	for id, p := range c.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	return &cp
}

// RemoteParticipants lists every participant except self.
func (c *Call) RemoteParticipants(self UserID) []UserID {
	ids := make([]UserID, 0, len(c.Participants))
	for id := range c.Participants {
		if id != self {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Call) Snapshot() CallSnapshot {
	return CallSnapshot{
		ID:             c.ID,
		ConversationID: c.ConversationID,
		Type:           c.Type,
		InitiatorID:    c.InitiatorID,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
	}
}

// CallSnapshot is the persisted part of a call, enough to decide whether a
// call found after a restart may be resumed.
type CallSnapshot struct {
	ID             CallID         `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	Type           CallType       `json:"type"`
	InitiatorID    UserID         `json:"initiatorId"`
	Status         CallStatus     `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// IsStale reports whether a persisted call must be discarded: still pending
// after pendingTimeout, or older than maxAge regardless of state.
func (s CallSnapshot) IsStale(now time.Time, pendingTimeout, maxAge time.Duration) bool {
	age := now.Sub(s.CreatedAt)
	if age > maxAge {
		return true
	}
	return s.ID.IsPending() && age > pendingTimeout
}

// IncomingCall is what observers see when a call rings.
type IncomingCall struct {
	CallID         CallID
	ConversationID ConversationID
	Type           CallType
	Caller         User
	ReceivedAt     time.Time
}
