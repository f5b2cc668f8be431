package session

import (
	"github.com/jrsteele09/go-learn-session/users"
)

// Status is the position in the session state machine:
// Unknown -> Checking -> Authenticated | Unauthenticated.
type Status int

const (
	StatusUnknown Status = iota
	StatusChecking
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusChecking:
		return "checking"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "invalid"
	}
}

// State is an immutable snapshot of the session.
type State struct {
	Status  Status
	Profile users.Profile // zero unless Authenticated
	Role    users.Role
	Err     error // last failure that produced or touched this state
}

// IsLoading reports whether the outcome of a session check is still pending.
func (s State) IsLoading() bool {
	return s.Status == StatusUnknown || s.Status == StatusChecking
}

func (s State) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated
}

func (s State) IsAdmin() bool {
	return s.IsAuthenticated() && s.Role == users.RoleAdmin
}

func (s State) IsTeacher() bool {
	return s.IsAuthenticated() && s.Role == users.RoleTeacher
}

func (s State) IsStudent() bool {
	return s.IsAuthenticated() && s.Role == users.RoleStudent
}

// same reports whether two snapshots would look identical to a subscriber.
func (s State) same(o State) bool {
	return s.Status == o.Status && s.Role == o.Role && s.Profile.ID == o.Profile.ID &&
		s.Profile.Name == o.Profile.Name && s.Profile.Email == o.Profile.Email && s.Err == o.Err
}
