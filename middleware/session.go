package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/googlelogin/endpoint"
)

var ErrNilSession = errors.New("nil session")

// SessionIDBytes is the number of random bytes in a session id.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = 24 * time.Hour

// DefaultSessionCookieName is the default name of the session cookie.
const DefaultSessionCookieName = "GLS"

// Session is the request-scoped authenticated session.
type Session interface {
	// ID returns the session identifier, or "" when nobody is logged in.
	ID() string
	// UserID returns the local user bound to the session.
	UserID() (string, bool)
	// Login binds the session to userID under a freshly generated session id.
	// Any previous session state is discarded.
	Login(userID string) error
	// Logout discards the session.
	Logout() error
	// Expires returns the session expiry, or the zero time when logged out.
	Expires() time.Time
}

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID      string    `cbor:"1,keyasint"`
	UserID  string    `cbor:"2,keyasint"`
	Expires time.Time `cbor:"3,keyasint"`
}

type session struct {
	data   *sessionData
	period time.Duration
	dirty  bool
}

func (s *session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) UserID() (string, bool) {
	if s == nil || s.data == nil || s.data.UserID == "" {
		return "", false
	}
	return s.data.UserID, true
}

func (s *session) Login(userID string) error {
	if s == nil {
		return ErrNilSession
	}
	if userID == "" {
		return errors.New("session: empty user id")
	}
	id, err := newSessionID()
	if err != nil {
		return err
	}
	s.data = &sessionData{
		ID:      id,
		UserID:  userID,
		Expires: time.Now().Add(s.period).Truncate(time.Second),
	}
	s.dirty = true
	return nil
}

func (s *session) Logout() error {
	if s == nil {
		return ErrNilSession
	}
	s.data = nil
	s.dirty = true
	return nil
}

func (s *session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

func newSessionID() (string, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type sessionContextKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor loads the session cookie into the request context and
// writes it back, via endpoint.Defer, when it changed.
type SessionProcessor struct {
	cookie SecureCookie
	period time.Duration
}

// SessionOption configures NewSessionProcessor.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	cookieName    string
	cookieOptions []SecureCookieOption
	period        time.Duration
}

// WithSessionCookieName overrides DefaultSessionCookieName.
func WithSessionCookieName(name string) SessionOption {
	return func(c *sessionConfig) { c.cookieName = name }
}

// WithSessionCookieOptions passes options to the underlying sealed cookie.
func WithSessionCookieOptions(opts ...SecureCookieOption) SessionOption {
	return func(c *sessionConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithSessionPeriod overrides DefaultSessionPeriod.
func WithSessionPeriod(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.period = d }
}

// NewSessionProcessor returns a SessionProcessor sealing sessions with keys.
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionOption) (*SessionProcessor, error) {
	cfg := sessionConfig{
		cookieName: DefaultSessionCookieName,
		period:     DefaultSessionPeriod,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.period <= 0 {
		cfg.period = DefaultSessionPeriod
	}
	cookie, err := NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{cookie: cookie, period: cfg.period}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if p == nil || p.cookie == nil {
		return errors.New("SessionProcessor requires SecureCookie")
	}

	sess := &session{period: p.period}
	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var sd sessionData
		if err := p.cookie.Decode(c, &sd); err == nil && sd.ID != "" && time.Now().Before(sd.Expires) {
			sess.data = &sd
		} else {
			// Tampered, undecodable or expired: drop it.
			sess.dirty = true
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.persist(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) persist(w http.ResponseWriter, sess *session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(time.Until(sess.data.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	if c, err := p.cookie.Encode(*sess.data, maxAge); err == nil {
		http.SetCookie(w, c)
	}
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
