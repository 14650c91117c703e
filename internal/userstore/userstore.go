// Package userstore reads the user records maintained by the management
// surface. It is a read-mostly boundary: the proxy only looks up
// credentials and stamps last-login times.
package userstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrUserNotFound is returned when the username has no record.
var ErrUserNotFound = errors.New("user not found")

// User is the subset of a user record the proxy cares about.
type User struct {
	Password  string `json:"password"`
	Nickname  string `json:"nickname,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	LastLogin string `json:"last_login,omitempty"`
}

// IsEnabled treats a missing enabled flag as enabled.
func (u *User) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// Store looks up users and records login times.
type Store interface {
	Get(username string) (*User, error)
	StampLastLogin(username string, when time.Time) error
	Close() error
}

// Open picks the sqlite store when the database file exists, otherwise
// the JSON file store.
func Open(dbPath, filePath string, logger *zap.Logger) (Store, error) {
	if _, err := os.Stat(dbPath); err == nil {
		return OpenSQLite(dbPath, logger)
	}
	logger.Info("User database absent, using JSON user file",
		zap.String("db", dbPath), zap.String("file", filePath))
	return NewFileStore(filePath, logger), nil
}

// SQLiteStore reads users from a sqlite database with the schema
// users(username TEXT PRIMARY KEY, data TEXT), where data is a JSON blob.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenSQLite opens the database and ensures the users table exists.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open user db: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS users (username TEXT PRIMARY KEY, data TEXT)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("init user db: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Get(username string) (*User, error) {
	var data string
	err := s.db.Get(&data, `SELECT data FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return decodeUser([]byte(data))
}

func (s *SQLiteStore) StampLastLogin(username string, when time.Time) error {
	var data string
	err := s.db.Get(&data, `SELECT data FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("query user: %w", err)
	}

	var record map[string]interface{}
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		record = map[string]interface{}{}
	}
	record["last_login"] = when.Format("2006-01-02 15:04:05")
	updated, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if _, err := s.db.Exec(
		`REPLACE INTO users (username, data) VALUES (?, ?)`, username, string(updated),
	); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// FileStore reads users.json ({"users": {name: record}}) on every lookup so
// that out-of-band edits take effect without a restart. Records may be full
// objects or bare password strings.
type FileStore struct {
	path   string
	logger *zap.Logger
}

func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Users map[string]json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse user file %s: %w", s.path, err)
	}
	return wrapper.Users, nil
}

func (s *FileStore) Get(username string) (*User, error) {
	users, err := s.load()
	if err != nil {
		s.logger.Warn("User file unavailable", zap.Error(err))
		return nil, ErrUserNotFound
	}
	raw, ok := users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return decodeUser(raw)
}

func (s *FileStore) StampLastLogin(username string, when time.Time) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var wrapper struct {
		Users map[string]map[string]interface{} `json:"users"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		// Bare-string records cannot hold a login time; skip quietly.
		return nil
	}
	record, ok := wrapper.Users[username]
	if !ok {
		return ErrUserNotFound
	}
	record["last_login"] = when.Format("2006-01-02 15:04:05")
	out, err := json.MarshalIndent(wrapper, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o644)
}

func (s *FileStore) Close() error { return nil }

// decodeUser accepts either a record object or a bare password string.
func decodeUser(raw []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(raw, &u); err == nil {
		return &u, nil
	}
	var password string
	if err := json.Unmarshal(raw, &password); err == nil {
		return &User{Password: password}, nil
	}
	return nil, fmt.Errorf("unrecognized user record")
}
