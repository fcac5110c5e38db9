package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mnehpets/googlelogin/endpoint"
)

func newTestSessionProcessor(t *testing.T) *SessionProcessor {
	t.Helper()
	p, err := NewSessionProcessor("k", testKeys(t, "k"), WithSessionCookieOptions(WithSecure(false)))
	if err != nil {
		t.Fatalf("NewSessionProcessor: %v", err)
	}
	return p
}

func TestSessionProcessor_LoginSetsCookie(t *testing.T) {
	p := newTestSessionProcessor(t)

	var firstID string
	login := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			t.Fatalf("no session in context")
		}
		if _, loggedIn := sess.UserID(); loggedIn {
			t.Fatalf("fresh session should not be logged in")
		}
		if err := sess.Login("user-1"); err != nil {
			t.Fatalf("Login: %v", err)
		}
		firstID = sess.ID()
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, p)

	rec := httptest.NewRecorder()
	login(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultSessionCookieName {
		t.Fatalf("session cookie not set: %v", cookies)
	}

	var gotUser, gotID string
	read := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		gotUser, _ = sess.UserID()
		gotID = sess.ID()
		return &endpoint.StringRenderer{}, nil
	}, p)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec2 := httptest.NewRecorder()
	read(rec2, req)

	if gotUser != "user-1" || gotID != firstID {
		t.Fatalf("session round trip: user %q id %q, want user-1 %q", gotUser, gotID, firstID)
	}
	if len(rec2.Result().Cookies()) != 0 {
		t.Fatalf("unchanged session should not be rewritten")
	}
}

func TestSessionProcessor_LoginRegeneratesID(t *testing.T) {
	sess := &session{period: time.Hour}
	if err := sess.Login("a"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	first := sess.ID()
	if err := sess.Login("b"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.ID() == first {
		t.Fatalf("session id not regenerated on login")
	}
	if u, _ := sess.UserID(); u != "b" {
		t.Fatalf("user: got %q want b", u)
	}
	if err := sess.Login(""); err == nil {
		t.Fatalf("Login with empty user id should fail")
	}
}

func TestSessionProcessor_InvalidCookieCleared(t *testing.T) {
	p := newTestSessionProcessor(t)
	h := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		if sess.ID() != "" {
			t.Fatalf("tampered cookie produced a session")
		}
		return &endpoint.StringRenderer{}, nil
	}, p)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: "k.garbage"})
	rec := httptest.NewRecorder()
	h(rec, req)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected clearing cookie, got %v", cookies)
	}
}

func TestSessionProcessor_ExpiredSessionIgnored(t *testing.T) {
	p := newTestSessionProcessor(t)
	c, err := p.cookie.Encode(sessionData{ID: "old", UserID: "u", Expires: time.Now().Add(-time.Minute)}, 60)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var loggedIn bool
	h := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		_, loggedIn = sess.UserID()
		return &endpoint.StringRenderer{}, nil
	}, p)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	h(httptest.NewRecorder(), req)
	if loggedIn {
		t.Fatalf("expired session accepted")
	}
}

func TestSessionProcessor_Logout(t *testing.T) {
	p := newTestSessionProcessor(t)
	c, err := p.cookie.Encode(sessionData{ID: "s", UserID: "u", Expires: time.Now().Add(time.Hour)}, 3600)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h := endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		if err := sess.Logout(); err != nil {
			t.Fatalf("Logout: %v", err)
		}
		return &endpoint.StringRenderer{}, nil
	}, p)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	rec := httptest.NewRecorder()
	h(rec, req)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge != -1 {
		t.Fatalf("logout did not clear cookie: %v", cookies)
	}
}
