package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/metrics"
	"github.com/huiying/aigc-proxy/internal/userstore"
)

// DefaultMaxAge is the session age ceiling enforced by the sweep.
const DefaultMaxAge = 5 * 24 * time.Hour

// Manager issues, validates and revokes bearer tokens, enforcing a single
// active session per principal. Tokens are signed JWTs but the in-memory
// map is the source of truth: a signed token that is no longer in the map
// (logged out, superseded, swept) is invalid.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	users      userstore.Store
	signingKey []byte
	logger     *zap.Logger
}

type claims struct {
	jwt.RegisteredClaims
}

// NewManager creates a session manager backed by the given user store.
func NewManager(users userstore.Store, signingKey []byte, logger *zap.Logger) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		users:      users,
		signingKey: signingKey,
		logger:     logger,
	}
}

// Login validates the credential and issues a new token. Any prior token
// for the same principal is invalidated first. Disabled accounts are
// rejected before the credential comparison. ErrUnknownPrincipal signals
// the caller to try the upstream identity service instead.
func (m *Manager) Login(principal, credential, ip string) (string, error) {
	user, err := m.users.Get(principal)
	if errors.Is(err, userstore.ErrUserNotFound) {
		return "", ErrUnknownPrincipal
	}
	if err != nil {
		return "", fmt.Errorf("user lookup: %w", err)
	}
	if !user.IsEnabled() {
		m.logger.Warn("Login rejected, account disabled", zap.String("principal", principal))
		return "", ErrDisabled
	}
	if user.Password != credential {
		m.logger.Warn("Login rejected, bad credential", zap.String("principal", principal))
		return "", ErrUnauthorized
	}

	now := time.Now()
	token, err := m.sign(principal, now)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	m.mu.Lock()
	for t, s := range m.sessions {
		if s.Principal == principal {
			delete(m.sessions, t)
			metrics.SessionsSuperseded.Inc()
		}
	}
	m.sessions[token] = &Session{
		Token:     token,
		Principal: principal,
		LoginAt:   now,
		IP:        ip,
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	if err := m.users.StampLastLogin(principal, now); err != nil {
		m.logger.Warn("Could not stamp last login", zap.String("principal", principal), zap.Error(err))
	}
	m.logger.Info("Login successful",
		zap.String("principal", principal),
		zap.String("ip", ip))
	return token, nil
}

// Validate resolves a token to its principal. A token is rejected when its
// signature fails, when it is not the current session, or when a newer
// token has since been issued for the same principal.
func (m *Manager) Validate(token string) (string, error) {
	principal, issuedAt, err := m.parse(token)
	if err != nil {
		return "", ErrInvalidToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[token]
	if !ok {
		// The map no longer holds this token; distinguish supersession
		// from plain revocation so callers can report it.
		for _, s := range m.sessions {
			if s.Principal == principal && s.LoginAt.After(issuedAt) {
				return "", ErrSuperseded
			}
		}
		return "", ErrInvalidToken
	}
	for _, s := range m.sessions {
		if s.Principal == current.Principal && s.LoginAt.After(current.LoginAt) {
			return "", ErrSuperseded
		}
	}
	return current.Principal, nil
}

// Logout revokes a token. ErrInvalidToken signals the caller to try the
// upstream identity service instead.
func (m *Manager) Logout(token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return "", ErrInvalidToken
	}
	delete(m.sessions, token)
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.logger.Info("Logout", zap.String("principal", s.Principal))
	return s.Principal, nil
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SweepExpired removes sessions older than maxAge and returns how many
// were removed.
func (m *Manager) SweepExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, s := range m.sessions {
		if s.LoginAt.Before(cutoff) {
			delete(m.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		m.logger.Info("Swept expired sessions", zap.Int("count", removed))
	}
	return removed
}

// RunSweeper sweeps expired sessions on the given interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(maxAge)
		}
	}
}

func (m *Manager) sign(principal string, now time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  principal,
			Issuer:   "huiying-proxy",
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.signingKey)
}

func (m *Manager) parse(token string) (string, time.Time, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", time.Time{}, ErrInvalidToken
	}
	var issuedAt time.Time
	if c.IssuedAt != nil {
		issuedAt = c.IssuedAt.Time
	}
	return c.Subject, issuedAt, nil
}
