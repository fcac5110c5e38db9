// Package sqlite provides a SQLite-backed user directory and settings store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/googlelogin/auth"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

// settingsOption is the options row holding the sign-in Settings.
const settingsOption = "google_login"

// Store persists users and Settings in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Users returns the auth.UserStore view of s.
func (s *Store) Users() *UserStore {
	return &UserStore{sqlDB: s.sqlDB}
}

// Settings returns the auth.ConfigStore view of s.
func (s *Store) Settings() *ConfigStore {
	return &ConfigStore{sqlDB: s.sqlDB}
}

// UserStore is the users and user_meta tables.
type UserStore struct {
	sqlDB *sql.DB
}

func (u *UserStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := u.sqlDB.QueryRowContext(ctx,
		`SELECT id, username, email, role, first_name, last_name, display_name FROM users WHERE email = ?`,
		auth.NormalizeEmail(email))
	var user auth.User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Role, &user.FirstName, &user.LastName, &user.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

func (u *UserStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var n int
	err := u.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE username = ?`, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("username exists: %w", err)
	}
	return n > 0, nil
}

func (u *UserStore) Create(ctx context.Context, nu auth.NewUser) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user := auth.User{
		ID:          uuid.NewString(),
		Username:    strings.TrimSpace(nu.Username),
		Email:       auth.NormalizeEmail(nu.Email),
		Role:        nu.Role,
		FirstName:   nu.FirstName,
		LastName:    nu.LastName,
		DisplayName: nu.DisplayName,
	}
	if user.Username == "" || user.Email == "" {
		return nil, fmt.Errorf("username and email are required")
	}
	_, err := u.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, username, email, role, first_name, last_name, display_name, password, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.Role, user.FirstName, user.LastName, user.DisplayName,
		nu.PasswordHash, time.Now().UTC().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			message := strings.ToLower(err.Error())
			switch {
			case strings.Contains(message, "users.email"):
				return nil, auth.ErrEmailTaken
			case strings.Contains(message, "users.username"):
				return nil, auth.ErrUsernameTaken
			}
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &user, nil
}

func (u *UserStore) SetMeta(ctx context.Context, userID, key, value string) error {
	_, err := u.sqlDB.ExecContext(ctx,
		`INSERT INTO user_meta (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`,
		userID, key, value)
	if err != nil {
		if isForeignKeyViolation(err) {
			return auth.ErrUserNotFound
		}
		return fmt.Errorf("set user meta: %w", err)
	}
	return nil
}

// Meta returns a metadata value; ok is false when it is not set.
func (u *UserStore) Meta(ctx context.Context, userID, key string) (value string, ok bool, err error) {
	err = u.sqlDB.QueryRowContext(ctx, `SELECT value FROM user_meta WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get user meta: %w", err)
	}
	return value, true, nil
}

// ConfigStore keeps Settings as JSON in the options table.
type ConfigStore struct {
	sqlDB *sql.DB
}

// Get returns the stored Settings, or zero Settings when none were saved.
func (c *ConfigStore) Get(ctx context.Context) (auth.Settings, error) {
	var raw string
	err := c.sqlDB.QueryRowContext(ctx, `SELECT value FROM options WHERE name = ?`, settingsOption).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Settings{}, nil
	}
	if err != nil {
		return auth.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s auth.Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return auth.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

func (c *ConfigStore) Set(ctx context.Context, s auth.Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = c.sqlDB.ExecContext(ctx,
		`INSERT INTO options (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		settingsOption, string(raw))
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

var (
	_ auth.UserStore   = (*UserStore)(nil)
	_ auth.ConfigStore = (*ConfigStore)(nil)
)
