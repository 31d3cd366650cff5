package domain

import "time"

type InviteState string

const (
	InviteRinging  InviteState = "ringing"
	InviteAccepted InviteState = "accepted"
	InviteRejected InviteState = "rejected"
	InviteMissed   InviteState = "missed"
	InviteLeft     InviteState = "left"
)

// CallSession is the relay's record of a call.
type CallSession struct {
	ID             CallID                 `json:"id"`
	ConversationID ConversationID         `json:"conversationId"`
	Type           CallType               `json:"type"`
	Initiator      UserInfo               `json:"initiator"`
	Invites        map[UserID]InviteState `json:"invites"`
	Members        map[UserID]UserInfo    `json:"members"`
	CreatedAt      time.Time              `json:"createdAt"`
	AnsweredAt     time.Time              `json:"answeredAt,omitempty"`
}

func NewCallSession(id CallID, conversationID ConversationID, callType CallType, initiator UserInfo, invitees []UserID, now time.Time) *CallSession {
	s := &CallSession{
		ID:             id,
		ConversationID: conversationID,
		Type:           callType,
		Initiator:      initiator,
		Invites:        make(map[UserID]InviteState, len(invitees)),
		Members:        map[UserID]UserInfo{initiator.UserID: initiator},
		CreatedAt:      now,
	}
	for _, id := range invitees {
		if id != initiator.UserID {
			s.Invites[id] = InviteRinging
		}
	}
	return s
}

func (s *CallSession) Join(user UserInfo, now time.Time) {
	s.Invites[user.UserID] = InviteAccepted
	s.Members[user.UserID] = user
	if s.AnsweredAt.IsZero() {
		s.AnsweredAt = now
	}
}

func (s *CallSession) Leave(userID UserID) {
	delete(s.Members, userID)
	if _, invited := s.Invites[userID]; invited {
		s.Invites[userID] = InviteLeft
	}
}

func (s *CallSession) IsMember(userID UserID) bool {
	_, ok := s.Members[userID]
	return ok
}

// Ringing lists invitees that have not answered yet.
func (s *CallSession) Ringing() []UserID {
	var out []UserID
	for id, st := range s.Invites {
		if st == InviteRinging {
			out = append(out, id)
		}
	}
	return out
}

// Over reports whether the call can no longer connect anyone: fewer than
// two members and nobody left ringing.
func (s *CallSession) Over() bool {
	return len(s.Members) < 2 && len(s.Ringing()) == 0
}

// Recipients returns everyone who should hear about the call, members and
// ringing invitees, except the excluded user.
func (s *CallSession) Recipients(exclude UserID) []UserID {
	seen := make(map[UserID]struct{})
	var out []UserID
	add := func(id UserID) {
		if id == exclude {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for id := range s.Members {
		add(id)
	}
	for _, id := range s.Ringing() {
		add(id)
	}
	return out
}
