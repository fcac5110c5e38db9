package auth

import (
	"context"
	"strings"
)

// DefaultSignupRole is applied when Settings.DefaultSignupRole is empty.
const DefaultSignupRole = "subscriber"

// PendingUser is an email pre-approved by an administrator, with the role
// its account will get on first sign-in.
type PendingUser struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Settings is the site-level sign-in configuration, owned by the host's
// configuration store.
type Settings struct {
	ClientID          string        `json:"client_id"`
	ClientSecret      string        `json:"client_secret"`
	AllowedUsers      []PendingUser `json:"allowed_users"`
	AllowNewSignups   bool          `json:"allow_new_signups"`
	DefaultSignupRole string        `json:"default_signup_role"`
	OneTapHomepage    bool          `json:"one_tap_homepage"`
	// RequestOpenID adds the openid scope to the authorization request.
	RequestOpenID bool `json:"request_openid"`
}

// WithDefaults returns s with empty fields defaulted.
func (s Settings) WithDefaults() Settings {
	s.ClientID = strings.TrimSpace(s.ClientID)
	if strings.TrimSpace(s.DefaultSignupRole) == "" {
		s.DefaultSignupRole = DefaultSignupRole
	}
	return s
}

// Configured reports whether a client id is set.
func (s Settings) Configured() bool {
	return strings.TrimSpace(s.ClientID) != ""
}

// pendingRoles indexes AllowedUsers by normalised email. When two entries
// normalise to the same email, the later one wins.
func (s Settings) pendingRoles() map[string]string {
	m := make(map[string]string, len(s.AllowedUsers))
	for _, p := range s.AllowedUsers {
		email := NormalizeEmail(p.Email)
		if email == "" {
			continue
		}
		m[email] = p.Role
	}
	return m
}

// ConfigStore reads and writes Settings. Implementations must not cache
// across calls; the handler reads once per request.
type ConfigStore interface {
	Get(ctx context.Context) (Settings, error)
	Set(ctx context.Context, s Settings) error
}

// NormalizeEmail trims and lowercases an email address. Every comparison
// of emails goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
