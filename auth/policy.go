package auth

import (
	"context"
	"errors"
	"fmt"
)

// DecisionKind is the outcome of Policy.Authorize.
type DecisionKind int

const (
	Denied DecisionKind = iota
	ExistingUser
	Provision
	SelfSignup
)

func (k DecisionKind) String() string {
	switch k {
	case ExistingUser:
		return "existing_user"
	case Provision:
		return "provision"
	case SelfSignup:
		return "self_signup"
	default:
		return "denied"
	}
}

// Decision says whether a verified email may sign in, and how.
type Decision struct {
	Kind DecisionKind
	// User is set for ExistingUser.
	User *User
	// Role is the role to create the account with, for Provision and
	// SelfSignup.
	Role string
}

// Policy decides whether a verified identity may sign in.
type Policy struct {
	users UserStore
}

// NewPolicy returns a Policy looking up accounts in users.
func NewPolicy(users UserStore) *Policy {
	return &Policy{users: users}
}

// Authorize evaluates, in order: an existing account with this email, a
// pending entry in settings.AllowedUsers, open signup. The first match wins;
// otherwise the decision is Denied.
func (p *Policy) Authorize(ctx context.Context, settings Settings, email string) (Decision, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return Decision{Kind: Denied}, nil
	}

	u, err := p.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return Decision{Kind: ExistingUser, User: u}, nil
	case !errors.Is(err, ErrUserNotFound):
		return Decision{}, fmt.Errorf("find user: %w", err)
	}

	if role, ok := settings.pendingRoles()[email]; ok {
		return Decision{Kind: Provision, Role: role}, nil
	}

	if settings.AllowNewSignups {
		return Decision{Kind: SelfSignup, Role: settings.WithDefaults().DefaultSignupRole}, nil
	}
	return Decision{Kind: Denied}, nil
}
