package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/googlelogin/middleware"
)

// stateTTL bounds how long a login may take between the button click and
// the callback. It also bounds the One-Tap CSRF token.
const stateTTL = 15 * time.Minute

// maxStates is the number of in-flight logins kept per browser; the oldest
// is evicted beyond it.
const maxStates = 3

// AuthParams are carried from the start of a login to its callback.
type AuthParams struct {
	NextURL string `query:"next_url" maxLength:"2048" cbor:"1,keyasint,omitempty"`
}

// AuthState is one in-flight login, keyed by its state token.
type AuthState struct {
	AuthParams AuthParams `cbor:"1,keyasint,omitempty"`
	ExpiresAt  time.Time  `cbor:"2,keyasint,omitempty"`
}

// AuthStateMap is the sealed state cookie payload.
type AuthStateMap map[string]AuthState

type csrfState struct {
	Token     string    `cbor:"1,keyasint"`
	ExpiresAt time.Time `cbor:"2,keyasint"`
}

var (
	errStateMissing  = errors.New("state not found")
	errStateExpired  = errors.New("state expired")
	errStateReplayed = errors.New("state already used")
	errCSRFMismatch  = errors.New("csrf token mismatch")
)

// StateStore issues and validates the single-use tokens that bind a
// callback to the browser that started the login: the OAuth state for the
// redirect flow and the CSRF token for One-Tap posts.
//
// Tokens live in sealed cookies. A consumed token is additionally recorded
// in the ReplayLedger so that replaying a copied cookie fails too.
type StateStore struct {
	stateCookie middleware.SecureCookie
	csrfCookie  middleware.SecureCookie
	ledger      ReplayLedger
	now         func() time.Time
}

// NewStateStore returns a StateStore. ledger may be nil, in which case
// single use is enforced by the cookie alone.
func NewStateStore(stateCookie, csrfCookie middleware.SecureCookie, ledger ReplayLedger) *StateStore {
	return &StateStore{
		stateCookie: stateCookie,
		csrfCookie:  csrfCookie,
		ledger:      ledger,
		now:         time.Now,
	}
}

// Issue creates a state token for a new login and binds it to the browser.
// A next_url that is not a short local path is stored as "/".
func (s *StateStore) Issue(w http.ResponseWriter, r *http.Request, params AuthParams) (string, error) {
	params.NextURL = ValidateNextURLIsLocal(params.NextURL)
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	states := s.readStates(r)
	now := s.now()
	for k, v := range states {
		if now.After(v.ExpiresAt) {
			delete(states, k)
		}
	}
	for len(states) >= maxStates {
		var oldest string
		var oldestAt time.Time
		for k, v := range states {
			if oldest == "" || v.ExpiresAt.Before(oldestAt) {
				oldest, oldestAt = k, v.ExpiresAt
			}
		}
		delete(states, oldest)
	}
	states[token] = AuthState{AuthParams: params, ExpiresAt: now.Add(stateTTL)}

	c, err := s.stateCookie.Encode(states, int(stateTTL.Seconds()))
	if err != nil {
		return "", err
	}
	http.SetCookie(w, c)
	return token, nil
}

// Validate consumes presented. It fails closed with invalid_state when the
// token is empty, unknown, expired or already used.
func (s *StateStore) Validate(w http.ResponseWriter, r *http.Request, presented string) (AuthState, error) {
	if presented == "" {
		return AuthState{}, newAuthError(CodeInvalidState, errStateMissing)
	}
	c, err := r.Cookie(s.stateCookie.Name())
	if err != nil {
		return AuthState{}, newAuthError(CodeInvalidState, err)
	}
	var states AuthStateMap
	if err := s.stateCookie.Decode(c, &states); err != nil {
		return AuthState{}, newAuthError(CodeInvalidState, err)
	}

	var key string
	var st AuthState
	for k, v := range states {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			key, st = k, v
		}
	}
	if key == "" {
		return AuthState{}, newAuthError(CodeInvalidState, errStateMissing)
	}

	// The entry is removed whatever the outcome below.
	delete(states, key)
	if err := s.writeStates(w, states); err != nil {
		return AuthState{}, newAuthError(CodeInvalidState, err)
	}

	if s.now().After(st.ExpiresAt) {
		return AuthState{}, newAuthError(CodeInvalidState, errStateExpired)
	}
	if err := s.consume(r, "state", key, st.ExpiresAt); err != nil {
		return AuthState{}, err
	}
	return st, nil
}

// IssueCSRF creates the One-Tap CSRF token, sets its cookie and returns the
// value to embed in the form.
func (s *StateStore) IssueCSRF(w http.ResponseWriter, r *http.Request) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	c, err := s.csrfCookie.Encode(csrfState{Token: token, ExpiresAt: s.now().Add(stateTTL)}, int(stateTTL.Seconds()))
	if err != nil {
		return "", err
	}
	http.SetCookie(w, c)
	return token, nil
}

// ValidateCSRF checks the posted token against the cookie and consumes it.
func (s *StateStore) ValidateCSRF(w http.ResponseWriter, r *http.Request, presented string) error {
	c, err := r.Cookie(s.csrfCookie.Name())
	if err != nil {
		return newAuthError(CodeInvalidState, err)
	}
	var cs csrfState
	if err := s.csrfCookie.Decode(c, &cs); err != nil {
		return newAuthError(CodeInvalidState, err)
	}
	if presented == "" || cs.Token == "" || subtle.ConstantTimeCompare([]byte(cs.Token), []byte(presented)) != 1 {
		return newAuthError(CodeInvalidState, errCSRFMismatch)
	}
	http.SetCookie(w, s.csrfCookie.Clear())
	if s.now().After(cs.ExpiresAt) {
		return newAuthError(CodeInvalidState, errStateExpired)
	}
	return s.consume(r, "csrf", cs.Token, cs.ExpiresAt)
}

func (s *StateStore) consume(r *http.Request, kind, token string, expiresAt time.Time) error {
	if s.ledger == nil {
		return nil
	}
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	first, err := s.ledger.Consume(r.Context(), ledgerKey(kind, token), ttl)
	if err != nil {
		return newAuthError(CodeInvalidState, err)
	}
	if !first {
		return newAuthError(CodeInvalidState, errStateReplayed)
	}
	return nil
}

// ledgerKey hashes token so raw tokens are never written to the ledger.
func ledgerKey(kind, token string) string {
	sum := sha256.Sum256([]byte(token))
	return kind + ":" + base64.RawURLEncoding.EncodeToString(sum[:])
}

func (s *StateStore) readStates(r *http.Request) AuthStateMap {
	states := AuthStateMap{}
	c, err := r.Cookie(s.stateCookie.Name())
	if err != nil {
		return states
	}
	if err := s.stateCookie.Decode(c, &states); err != nil || states == nil {
		return AuthStateMap{}
	}
	return states
}

func (s *StateStore) writeStates(w http.ResponseWriter, states AuthStateMap) error {
	if len(states) == 0 {
		http.SetCookie(w, s.stateCookie.Clear())
		return nil
	}
	c, err := s.stateCookie.Encode(states, int(stateTTL.Seconds()))
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}
