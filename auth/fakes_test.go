package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const testClientID = "client-id.apps.googleusercontent.com"

// fakeGoogle serves the four Google endpoints used by the Verifier.
type fakeGoogle struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls map[string]int

	// Token endpoint.
	tokenStatus int
	accessToken string
	tokenForm   url.Values

	// Userinfo endpoint.
	userinfoStatus int
	profile        map[string]any

	// Tokeninfo endpoint. When tokeninfo is nil the payload of the presented
	// id_token is echoed back with every value as a string, as Google does.
	tokeninfoStatus int
	tokeninfo       map[string]any
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{
		calls:       map[string]int{},
		accessToken: "access-token",
		profile: map[string]any{
			"sub":            "1234",
			"email":          "user@example.com",
			"email_verified": true,
			"given_name":     "Ada",
			"family_name":    "Lovelace",
			"name":           "Ada Lovelace",
			"picture":        "https://lh3.example.com/ada.png",
		},
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGoogle) endpoints() Endpoints {
	return Endpoints{
		AuthURL:      g.srv.URL + "/auth",
		TokenURL:     g.srv.URL + "/token",
		UserInfoURL:  g.srv.URL + "/userinfo",
		TokenInfoURL: g.srv.URL + "/tokeninfo",
	}
}

func (g *fakeGoogle) count(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[path]
}

func (g *fakeGoogle) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

func (g *fakeGoogle) lastTokenForm() url.Values {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokenForm
}

func (g *fakeGoogle) setEmail(email string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile["email"] = email
}

func (g *fakeGoogle) setProfile(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile[key] = value
}

func (g *fakeGoogle) serve(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[r.URL.Path]++

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/token":
		_ = r.ParseForm()
		g.tokenForm = r.PostForm
		if g.tokenStatus != 0 {
			w.WriteHeader(g.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": g.accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	case "/userinfo":
		if r.Header.Get("Authorization") != "Bearer "+g.accessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if g.userinfoStatus != 0 {
			w.WriteHeader(g.userinfoStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(g.profile)
	case "/tokeninfo":
		if g.tokeninfoStatus != 0 {
			w.WriteHeader(g.tokeninfoStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		if g.tokeninfo != nil {
			_ = json.NewEncoder(w).Encode(g.tokeninfo)
			return
		}
		claims, err := jwtPayload(r.URL.Query().Get("id_token"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(claims)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// jwtPayload returns the claims of a compact JWT with every value
// stringified.
func jwtPayload(raw string) (map[string]string, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	b, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(claims))
	for k, v := range claims {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// mintIDToken signs claims as a One-Tap credential would be.
func mintIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func googleClaims(email string) map[string]any {
	return map[string]any{
		"iss":            "https://accounts.google.com",
		"aud":            testClientID,
		"sub":            "1234",
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            time.Now().Unix(),
		"email":          email,
		"email_verified": true,
		"given_name":     "Ada",
		"family_name":    "Lovelace",
		"name":           "Ada Lovelace",
		"picture":        "https://lh3.example.com/ada.png",
	}
}

// fakeUsers is an in-memory UserStore that counts calls.
type fakeUsers struct {
	mu         sync.Mutex
	byEmail    map[string]*User
	meta       map[string]map[string]string
	usernames  map[string]bool
	findCalls  int
	createErrs []error
	nextID     int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byEmail:   map[string]*User{},
		meta:      map[string]map[string]string{},
		usernames: map[string]bool{},
	}
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	u, ok := f.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeUsers) UsernameExists(_ context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usernames[username], nil
}

func (f *fakeUsers) Create(_ context.Context, nu NewUser) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, ok := f.byEmail[nu.Email]; ok {
		return nil, ErrEmailTaken
	}
	if f.usernames[nu.Username] {
		return nil, ErrUsernameTaken
	}
	f.nextID++
	u := &User{
		ID:          fmt.Sprintf("u%d", f.nextID),
		Username:    nu.Username,
		Email:       nu.Email,
		Role:        nu.Role,
		FirstName:   nu.FirstName,
		LastName:    nu.LastName,
		DisplayName: nu.DisplayName,
	}
	f.byEmail[nu.Email] = u
	f.usernames[nu.Username] = true
	c := *u
	return &c, nil
}

func (f *fakeUsers) SetMeta(_ context.Context, userID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.meta[userID]
	if m == nil {
		m = map[string]string{}
		f.meta[userID] = m
	}
	m[key] = value
	return nil
}

// add inserts an existing account.
func (f *fakeUsers) add(u User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byEmail[u.Email] = &u
	f.usernames[u.Username] = true
}

func (f *fakeUsers) get(email string) (*User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byEmail[email]
	return u, ok
}

func (f *fakeUsers) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byEmail)
}

// fakeConfig is a ConfigStore that counts writes.
type fakeConfig struct {
	mu       sync.Mutex
	settings Settings
	sets     int
	getErr   error
}

func (f *fakeConfig) Get(context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Settings{}, f.getErr
	}
	s := f.settings
	s.AllowedUsers = append([]PendingUser(nil), f.settings.AllowedUsers...)
	return s, nil
}

func (f *fakeConfig) Set(_ context.Context, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.settings = s
	return nil
}

func (f *fakeConfig) allowed() []PendingUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PendingUser(nil), f.settings.AllowedUsers...)
}

// fakeSlot is an ErrorSlot backed by a map.
type fakeSlot struct {
	mu     sync.Mutex
	flash  map[string]Flash
	putErr error
}

func newFakeSlot() *fakeSlot {
	return &fakeSlot{flash: map[string]Flash{}}
}

func (f *fakeSlot) Put(_ context.Context, fl Flash, _ time.Duration) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	id, err := GenerateFlashID()
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flash[id] = fl
	return id, nil
}

func (f *fakeSlot) Take(_ context.Context, id string) (Flash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flash[id]
	if !ok {
		return Flash{}, ErrSlotNotFound
	}
	delete(f.flash, id)
	return fl, nil
}

// fakeLedger is a ReplayLedger without expiry.
type fakeLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: map[string]bool{}}
}

func (f *fakeLedger) Consume(_ context.Context, token string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[token] {
		return false, nil
	}
	f.seen[token] = true
	return true, nil
}

// cookieJar carries cookies between recorder round trips.
type cookieJar map[string]string

func (j cookieJar) update(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(j, c.Name)
			continue
		}
		j[c.Name] = c.Value
	}
}

func (j cookieJar) apply(r *http.Request) {
	for name, value := range j {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

func (j cookieJar) clone() cookieJar {
	c := cookieJar{}
	for k, v := range j {
		c[k] = v
	}
	return c
}
