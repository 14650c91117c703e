package session

import (
	"errors"
	"time"
)

var (
	// ErrUnauthorized is returned on a credential mismatch.
	ErrUnauthorized = errors.New("invalid credentials")

	// ErrDisabled is returned for disabled accounts, before any credential
	// comparison.
	ErrDisabled = errors.New("account disabled")

	// ErrInvalidToken is returned for unknown, malformed or revoked tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSuperseded is returned when a newer token exists for the same
	// principal.
	ErrSuperseded = errors.New("token superseded by a newer login")

	// ErrUnknownPrincipal is returned when the principal has no local
	// record; callers may fall through to the upstream identity service.
	ErrUnknownPrincipal = errors.New("unknown principal")
)

// Session binds a bearer token to a principal. At most one session per
// principal is valid at any instant.
type Session struct {
	Token     string    `json:"-"`
	Principal string    `json:"principal"`
	LoginAt   time.Time `json:"login_at"`
	IP        string    `json:"ip,omitempty"`
}
