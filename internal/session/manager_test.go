package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/userstore"
)

const usersFixture = `{
    "users": {
        "alice": {"password": "secret", "nickname": "Alice"},
        "bob": "hunter2",
        "carol": {"password": "pw", "enabled": false}
    }
}`

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(usersFixture), 0o644))
	users := userstore.NewFileStore(path, zap.NewNop())
	return NewManager(users, []byte("test-signing-key"), zap.NewNop())
}

func TestManager_LoginIssuesToken(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Login("alice", "secret", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	principal, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
}

func TestManager_LoginWithBarePasswordRecord(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Login("bob", "hunter2", "")
	assert.NoError(t, err)
}

func TestManager_BadCredentialRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Login("alice", "wrong", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestManager_UnknownPrincipalFallsThrough(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Login("mallory", "whatever", "")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)
}

func TestManager_DisabledAccountRejectedBeforeCredentialCheck(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Login("carol", "pw", "")
	assert.ErrorIs(t, err, ErrDisabled, "correct password still rejected when disabled")
	_, err = m.Login("carol", "wrong", "")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestManager_SecondLoginSupersedesFirst(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Login("alice", "secret", "10.0.0.1")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // issued-at has second granularity
	second, err := m.Login("alice", "secret", "10.0.0.2")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = m.Validate(first)
	assert.ErrorIs(t, err, ErrSuperseded, "the earlier token reads as signed-in-elsewhere")

	principal, err := m.Validate(second)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
	assert.Equal(t, 1, m.Count(), "one active session per principal")
}

func TestManager_ValidateRejectsForgedToken(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewManager(userstore.NewFileStore("missing.json", zap.NewNop()), []byte("other-key"), zap.NewNop())
	token, err := m.Login("alice", "secret", "")
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "token signed with another key is rejected")
}

func TestManager_LogoutRevokesToken(t *testing.T) {
	m := newTestManager(t)
	token, err := m.Login("alice", "secret", "")
	require.NoError(t, err)

	principal, err := m.Logout(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)

	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "revoked, not superseded")

	_, err = m.Logout(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "double logout falls through")
}

func TestManager_SweepExpiredEnforcesAgeCeiling(t *testing.T) {
	m := newTestManager(t)
	token, err := m.Login("alice", "secret", "")
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions[token].LoginAt = time.Now().Add(-DefaultMaxAge - time.Hour)
	m.mu.Unlock()

	assert.Equal(t, 1, m.SweepExpired(DefaultMaxAge))
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
