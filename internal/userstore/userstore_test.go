package userstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeUsersFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFileStore_GetObjectRecord(t *testing.T) {
	path := writeUsersFile(t, `{"users":{"alice":{"password":"secret","nickname":"Alice"}}}`)
	s := NewFileStore(path, zap.NewNop())

	u, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "secret", u.Password)
	assert.Equal(t, "Alice", u.Nickname)
	assert.True(t, u.IsEnabled(), "missing enabled flag means enabled")
}

func TestFileStore_GetBareStringRecord(t *testing.T) {
	path := writeUsersFile(t, `{"users":{"bob":"hunter2"}}`)
	s := NewFileStore(path, zap.NewNop())

	u, err := s.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", u.Password)
}

func TestFileStore_UnknownUser(t *testing.T) {
	path := writeUsersFile(t, `{"users":{}}`)
	s := NewFileStore(path, zap.NewNop())
	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFileStore_MissingFileReadsAsNotFound(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), zap.NewNop())
	_, err := s.Get("anyone")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFileStore_ReloadsPerLookup(t *testing.T) {
	path := writeUsersFile(t, `{"users":{"alice":"v1"}}`)
	s := NewFileStore(path, zap.NewNop())

	u, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", u.Password)

	require.NoError(t, os.WriteFile(path, []byte(`{"users":{"alice":"v2"}}`), 0o644))
	u, err = s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "v2", u.Password, "edits are visible without a restart")
}

func TestFileStore_StampLastLogin(t *testing.T) {
	path := writeUsersFile(t, `{"users":{"alice":{"password":"secret"}}}`)
	s := NewFileStore(path, zap.NewNop())

	require.NoError(t, s.StampLastLogin("alice", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	u, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01 12:00:00", u.LastLogin)
}

func TestUser_DisabledFlag(t *testing.T) {
	disabled := false
	u := &User{Password: "pw", Enabled: &disabled}
	assert.False(t, u.IsEnabled())

	enabled := true
	u.Enabled = &enabled
	assert.True(t, u.IsEnabled())
}

func TestOpen_FallsBackToFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "no.db"), filepath.Join(dir, "users.json"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*FileStore)
	assert.True(t, ok)
}
