package services

import (
	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// StaticIdentity is the identity of a client configured with a fixed user.
type StaticIdentity struct {
	user domain.User
}

var _ ports.Identity = (*StaticIdentity)(nil)

func NewStaticIdentity(user domain.User) *StaticIdentity {
	return &StaticIdentity{user: user}
}

func (i *StaticIdentity) CurrentUser() domain.User { return i.user }
