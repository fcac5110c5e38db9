package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already registered")
	ErrSlotNotFound  = errors.New("flash not found")
)

// MetaProfilePicture is the user metadata key holding the Google picture URL.
const MetaProfilePicture = "google_profile_picture"

// User is a local account in the host's user directory.
type User struct {
	ID          string
	Username    string
	Email       string
	Role        string
	FirstName   string
	LastName    string
	DisplayName string
}

// NewUser is the input to UserStore.Create.
type NewUser struct {
	Username    string
	Email       string
	Role        string
	FirstName   string
	LastName    string
	DisplayName string
	// PasswordHash is a bcrypt hash of a random secret nobody knows; password
	// login stays impossible for Google-provisioned accounts.
	PasswordHash string
}

// UserStore is the host's user directory. Emails passed in are already
// normalised.
type UserStore interface {
	// FindByEmail returns ErrUserNotFound when no account has this email.
	FindByEmail(ctx context.Context, email string) (*User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	// Create returns ErrUsernameTaken or ErrEmailTaken on uniqueness
	// conflicts.
	Create(ctx context.Context, u NewUser) (*User, error)
	SetMeta(ctx context.Context, userID, key, value string) error
}

// Flash is a one-time error message waiting for the login page.
type Flash struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorSlot stores flashes under unguessable ids.
type ErrorSlot interface {
	// Put stores f for ttl and returns its id.
	Put(ctx context.Context, f Flash, ttl time.Duration) (string, error)
	// Take returns and deletes the flash; ErrSlotNotFound when absent or
	// expired.
	Take(ctx context.Context, id string) (Flash, error)
}

// ReplayLedger remembers consumed single-use tokens.
type ReplayLedger interface {
	// Consume records token for ttl. firstUse is false when the token was
	// already recorded.
	Consume(ctx context.Context, token string, ttl time.Duration) (firstUse bool, err error)
}
