package domain

import "github.com/pion/webrtc/v3"

// Signaling event names.
const (
	EventCallInitiate  = "call:initiate"
	EventCallInitiated = "call:initiated"
	EventCallIncoming  = "call:incoming"
	EventCallAccept    = "call:accept"
	EventCallReject    = "call:reject"
	EventCallEnd       = "call:end"
	EventCallAccepted  = "call:accepted"
	EventCallRejected  = "call:rejected"
	EventCallEnded     = "call:ended"
	EventCallMissed    = "call:missed"

	EventParticipantJoined      = "call:participant:joined"
	EventParticipantLeft        = "call:participant:left"
	EventParticipantMediaToggle = "call:participant:media-toggle"

	EventOffer        = "webrtc:offer"
	EventAnswer       = "webrtc:answer"
	EventICECandidate = "webrtc:ice-candidate"

	EventTURNCredentials = "turn:credentials"
)

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s ICEServer) ToWebRTC() webrtc.ICEServer {
	srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
	if s.Credential != "" {
		srv.Credential = s.Credential
		srv.CredentialType = webrtc.ICECredentialTypePassword
	}
	return srv
}

type UserInfo struct {
	UserID    UserID `json:"userId"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func (u UserInfo) User() User {
	return User{ID: u.UserID, Username: u.Username, AvatarURL: u.AvatarURL}
}

type InitiatePayload struct {
	ConversationID ConversationID `json:"conversationId"`
	CallType       CallType       `json:"callType"`
	ParticipantIDs []UserID       `json:"participantIds"`
}

type InitiatedPayload struct {
	CallID         CallID         `json:"callId"`
	ConversationID ConversationID `json:"conversationId,omitempty"`
	ICEServers     []ICEServer    `json:"iceServers,omitempty"`
}

type IncomingPayload struct {
	CallID         CallID         `json:"callId"`
	From           UserInfo       `json:"from"`
	ConversationID ConversationID `json:"conversationId"`
	CallType       CallType       `json:"callType"`
}

// CallRefPayload is the body of call:accept, call:reject and call:end.
type CallRefPayload struct {
	CallID CallID `json:"callId"`
}

// ParticipantPayload carries call:accepted and call:participant:joined.
type ParticipantPayload struct {
	CallID CallID `json:"callId"`
	UserInfo
}

// ActorPayload carries call:rejected, call:ended, call:missed and
// call:participant:left. UserID is the acting user.
type ActorPayload struct {
	CallID CallID `json:"callId"`
	UserID UserID `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	MediaTypeAudio  = "audio"
	MediaTypeVideo  = "video"
	MediaTypeScreen = "screen"
)

type MediaTogglePayload struct {
	CallID    CallID `json:"callId"`
	UserID    UserID `json:"userId,omitempty"`
	MediaType string `json:"mediaType"`
	Enabled   bool   `json:"enabled"`
}

// SessionDescriptionPayload carries webrtc:offer and webrtc:answer. To is set
// on outbound messages, From on inbound ones.
type SessionDescriptionPayload struct {
	CallID CallID                    `json:"callId"`
	To     UserID                    `json:"to,omitempty"`
	From   UserID                    `json:"from,omitempty"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type ICECandidatePayload struct {
	CallID    CallID                  `json:"callId"`
	To        UserID                  `json:"to,omitempty"`
	From      UserID                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type TURNCredentialsPayload struct {
	ICEServers []ICEServer `json:"iceServers"`
}
