// Package memory provides in-process implementations of the auth
// collaborators, for tests and single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/googlelogin/auth"
)

// UserStore is a map-backed auth.UserStore.
type UserStore struct {
	mu      sync.RWMutex
	byID    map[string]*auth.User
	byEmail map[string]string
	byName  map[string]string
	meta    map[string]map[string]string
}

// NewUserStore returns an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{
		byID:    map[string]*auth.User{},
		byEmail: map[string]string{},
		byName:  map[string]string{},
		meta:    map[string]map[string]string{},
	}
}

func (s *UserStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	u := *s.byID[id]
	return &u, nil
}

func (s *UserStore) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[username]
	return ok, nil
}

func (s *UserStore) Create(_ context.Context, nu auth.NewUser) (*auth.User, error) {
	email := auth.NormalizeEmail(nu.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return nil, auth.ErrEmailTaken
	}
	if _, ok := s.byName[nu.Username]; ok {
		return nil, auth.ErrUsernameTaken
	}
	u := &auth.User{
		ID:          uuid.NewString(),
		Username:    nu.Username,
		Email:       email,
		Role:        nu.Role,
		FirstName:   nu.FirstName,
		LastName:    nu.LastName,
		DisplayName: nu.DisplayName,
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	s.byName[u.Username] = u.ID
	out := *u
	return &out, nil
}

func (s *UserStore) SetMeta(_ context.Context, userID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[userID]; !ok {
		return auth.ErrUserNotFound
	}
	m := s.meta[userID]
	if m == nil {
		m = map[string]string{}
		s.meta[userID] = m
	}
	m[key] = value
	return nil
}

// Meta returns a metadata value for userID.
func (s *UserStore) Meta(userID, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[userID][key]
	return v, ok
}

// SetRole changes a user's role, as an administrator would.
func (s *UserStore) SetRole(userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return auth.ErrUserNotFound
	}
	u.Role = role
	return nil
}

// Len returns the number of users.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// ConfigStore holds Settings in memory. Get returns a copy.
type ConfigStore struct {
	mu       sync.Mutex
	settings auth.Settings
}

// NewConfigStore returns a ConfigStore holding s.
func NewConfigStore(s auth.Settings) *ConfigStore {
	return &ConfigStore{settings: cloneSettings(s)}
}

func (c *ConfigStore) Get(_ context.Context) (auth.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSettings(c.settings), nil
}

func (c *ConfigStore) Set(_ context.Context, s auth.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = cloneSettings(s)
	return nil
}

func cloneSettings(s auth.Settings) auth.Settings {
	if s.AllowedUsers != nil {
		s.AllowedUsers = append([]auth.PendingUser(nil), s.AllowedUsers...)
	}
	return s
}

type flashEntry struct {
	flash   auth.Flash
	expires time.Time
}

// ErrorSlot keeps flashes in memory until taken or expired.
type ErrorSlot struct {
	mu      sync.Mutex
	entries map[string]flashEntry
	now     func() time.Time
}

// NewErrorSlot returns an empty ErrorSlot.
func NewErrorSlot() *ErrorSlot {
	return &ErrorSlot{entries: map[string]flashEntry{}, now: time.Now}
}

func (e *ErrorSlot) Put(_ context.Context, f auth.Flash, ttl time.Duration) (string, error) {
	id, err := auth.GenerateFlashID()
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for k, v := range e.entries {
		if !now.Before(v.expires) {
			delete(e.entries, k)
		}
	}
	e.entries[id] = flashEntry{flash: f, expires: now.Add(ttl)}
	return id, nil
}

func (e *ErrorSlot) Take(_ context.Context, id string) (auth.Flash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.entries[id]
	if !ok {
		return auth.Flash{}, auth.ErrSlotNotFound
	}
	delete(e.entries, id)
	if !e.now().Before(v.expires) {
		return auth.Flash{}, auth.ErrSlotNotFound
	}
	return v.flash, nil
}

// ReplayLedger records consumed tokens in memory until they expire.
type ReplayLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewReplayLedger returns an empty ReplayLedger.
func NewReplayLedger() *ReplayLedger {
	return &ReplayLedger{seen: map[string]time.Time{}, now: time.Now}
}

func (l *ReplayLedger) Consume(_ context.Context, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, exp := range l.seen {
		if !now.Before(exp) {
			delete(l.seen, k)
		}
	}
	if _, ok := l.seen[token]; ok {
		return false, nil
	}
	l.seen[token] = now.Add(ttl)
	return true, nil
}

var (
	_ auth.UserStore    = (*UserStore)(nil)
	_ auth.ConfigStore  = (*ConfigStore)(nil)
	_ auth.ErrorSlot    = (*ErrorSlot)(nil)
	_ auth.ReplayLedger = (*ReplayLedger)(nil)
)
