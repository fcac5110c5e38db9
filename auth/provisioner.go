package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mnehpets/googlelogin/middleware"
	"golang.org/x/crypto/bcrypt"
)

// maxUsernameAttempts bounds the suffix retries when a username is taken.
const maxUsernameAttempts = 10

// fallbackUsername is used when the email local-part has no usable
// characters.
const fallbackUsername = "user"

// Provisioner materialises local accounts for verified Google identities
// and binds sessions to them.
type Provisioner struct {
	users  UserStore
	config ConfigStore
	// suffix returns the numeric suffix appended on username collisions.
	suffix func() (string, error)
}

// NewProvisioner returns a Provisioner.
func NewProvisioner(users UserStore, config ConfigStore) *Provisioner {
	return &Provisioner{users: users, config: config, suffix: randomSuffix}
}

// CreateUser creates the local account for identity with role. When another
// request created the account first, the existing account is returned.
func (p *Provisioner) CreateUser(ctx context.Context, identity VerifiedIdentity, role string) (*User, error) {
	email := NormalizeEmail(identity.Email)
	if email == "" {
		return nil, newAuthError(CodeUserCreationFailed, errors.New("empty email"))
	}

	hash, err := unusablePasswordHash()
	if err != nil {
		return nil, newAuthError(CodeUserCreationFailed, err)
	}

	base := SanitizeUsername(email)
	displayName := identity.DisplayName
	if displayName == "" {
		displayName = strings.TrimSpace(identity.GivenName + " " + identity.FamilyName)
	}

	var u *User
	for attempt := 0; attempt < maxUsernameAttempts; attempt++ {
		username, err := p.candidateUsername(ctx, base, attempt)
		if err != nil {
			return nil, newAuthError(CodeUserCreationFailed, err)
		}
		if username == "" {
			continue
		}
		name := displayName
		if name == "" {
			name = username
		}
		u, err = p.users.Create(ctx, NewUser{
			Username:     username,
			Email:        email,
			Role:         role,
			FirstName:    identity.GivenName,
			LastName:     identity.FamilyName,
			DisplayName:  name,
			PasswordHash: hash,
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrUsernameTaken):
			continue
		case errors.Is(err, ErrEmailTaken):
			existing, ferr := p.users.FindByEmail(ctx, email)
			if ferr != nil {
				return nil, newAuthError(CodeUserCreationFailed, errors.Join(err, ferr))
			}
			return existing, nil
		default:
			return nil, newAuthError(CodeUserCreationFailed, err)
		}
		break
	}
	if u == nil {
		return nil, newAuthError(CodeUserCreationFailed, fmt.Errorf("no free username for %q after %d attempts", base, maxUsernameAttempts))
	}

	if identity.PictureURL != "" {
		if err := p.users.SetMeta(ctx, u.ID, MetaProfilePicture, identity.PictureURL); err != nil {
			return nil, newAuthError(CodeUserCreationFailed, fmt.Errorf("set picture: %w", err))
		}
	}
	return u, nil
}

// candidateUsername returns base on the first attempt and base plus a
// random suffix afterwards. It returns "" when the candidate is already
// taken.
func (p *Provisioner) candidateUsername(ctx context.Context, base string, attempt int) (string, error) {
	username := base
	if attempt > 0 {
		s, err := p.suffix()
		if err != nil {
			return "", err
		}
		username = base + s
	}
	taken, err := p.users.UsernameExists(ctx, username)
	if err != nil {
		return "", err
	}
	if taken {
		return "", nil
	}
	return username, nil
}

// SyncProfilePicture refreshes the stored picture of an existing account.
// Role and names are left untouched.
func (p *Provisioner) SyncProfilePicture(ctx context.Context, u *User, identity VerifiedIdentity) error {
	if u == nil || identity.PictureURL == "" {
		return nil
	}
	return p.users.SetMeta(ctx, u.ID, MetaProfilePicture, identity.PictureURL)
}

// RemovePending drops every AllowedUsers entry matching email. Settings are
// re-read immediately before the write, and only written when an entry was
// removed.
func (p *Provisioner) RemovePending(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	s, err := p.config.Get(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	kept := make([]PendingUser, 0, len(s.AllowedUsers))
	for _, pu := range s.AllowedUsers {
		if NormalizeEmail(pu.Email) == email {
			continue
		}
		kept = append(kept, pu)
	}
	if len(kept) == len(s.AllowedUsers) {
		return nil
	}
	s.AllowedUsers = kept
	if err := p.config.Set(ctx, s); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// EstablishSession discards any current session and logs u in under a new
// session id.
func (p *Provisioner) EstablishSession(sess middleware.Session, u *User) error {
	if sess == nil {
		return middleware.ErrNilSession
	}
	if err := sess.Logout(); err != nil {
		return err
	}
	return sess.Login(u.ID)
}

// SanitizeUsername derives a username from the local-part of email:
// lowercased and restricted to [a-z0-9._-].
func SanitizeUsername(email string) string {
	local := NormalizeEmail(email)
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	var b strings.Builder
	for _, c := range local {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteRune(c)
		}
	}
	name := strings.Trim(b.String(), ".-_")
	if name == "" {
		return fallbackUsername
	}
	return name
}

func randomSuffix() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", 1000+n.Int64()), nil
}

// unusablePasswordHash hashes a random secret that is immediately
// discarded.
func unusablePasswordHash() (string, error) {
	secret, err := generateToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
