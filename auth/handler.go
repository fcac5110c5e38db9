package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mnehpets/googlelogin/endpoint"
	"github.com/mnehpets/googlelogin/middleware"
)

// Callback actions, selected by the action query parameter.
const (
	ActionLoginCallback  = "google_login_callback"
	ActionOneTapCallback = "google_one_tap_callback"
)

const (
	stateCookieName = "GLSTATE"
	csrfCookieName  = "GLCSRF"

	// flashTTL bounds how long an error message waits for the login page.
	flashTTL = 5 * time.Minute
)

// LoginParams are the query parameters of the login route.
type LoginParams struct {
	LoginHint string `query:"login_hint" maxLength:"320"`
	AuthParams
}

// CallbackParams are the parameters of both callback actions.
type CallbackParams struct {
	Action    string `query:"action"`
	State     string `query:"state"`
	Code      string `query:"code"`
	Error     string `query:"error"`
	ErrorDesc string `query:"error_description"`

	// Length is bounded by Verifier.VerifyCredential.
	Credential string `form:"credential" maxLength:""`
	CSRFToken  string `form:"csrf_token"`
}

// ErrorParams are the query parameters of the error route.
type ErrorParams struct {
	ID string `query:"id" maxLength:"64"`
}

// OneTapConfig is what a host page needs to render the One-Tap widget.
type OneTapConfig struct {
	Enabled   bool   `json:"enabled"`
	Homepage  bool   `json:"homepage"`
	ClientID  string `json:"client_id,omitempty"`
	LoginURI  string `json:"login_uri,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`
}

// ProviderError is an error returned by Google on the callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

type callbackAction struct {
	method string
	run    endpoint.EndpointFunc[CallbackParams]
}

// Handler serves the Google sign-in routes under basePath:
//
//	GET  {base}/login      start the code flow
//	GET  {base}/callback   ?action=google_login_callback
//	POST {base}/callback   ?action=google_one_tap_callback
//	GET  {base}/onetap     One-Tap widget configuration
//	GET  {base}/error      take a pending error message
//
// A SessionProcessor must be among the processors: a successful sign-in
// logs the user in to the session found in the request context.
type Handler struct {
	mux       *http.ServeMux
	publicURL string
	basePath  string
	loginURL  string
	homeURL   string

	settings    ConfigStore
	slot        ErrorSlot
	states      *StateStore
	policy      *Policy
	provisioner *Provisioner
	endpoints   Endpoints
	ledger      ReplayLedger
	logger      *slog.Logger
	actions     map[string]callbackAction

	processors    []endpoint.Processor
	cookieOptions []middleware.SecureCookieOption
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds middleware processors to the auth endpoints.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithCookieOptions configures the state and CSRF cookie attributes.
func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(h *Handler) {
		h.cookieOptions = append(h.cookieOptions, opts...)
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithEndpoints replaces the Google endpoints, for tests.
func WithEndpoints(ep Endpoints) Option {
	return func(h *Handler) {
		h.endpoints = ep
	}
}

// WithReplayLedger records consumed state and CSRF tokens in l.
func WithReplayLedger(l ReplayLedger) Option {
	return func(h *Handler) {
		h.ledger = l
	}
}

// WithLoginURL sets the page failures redirect to. Default "/login".
func WithLoginURL(u string) Option {
	return func(h *Handler) {
		h.loginURL = u
	}
}

// WithHomeURL sets where users land after signing in when no local
// next_url was given. Default "/".
func WithHomeURL(u string) Option {
	return func(h *Handler) {
		h.homeURL = u
	}
}

// NewHandler creates a Handler.
// publicURL is the base public URL of the application (e.g. "https://example.com").
// basePath is the path the handler is mounted at (e.g. "/auth").
func NewHandler(settings ConfigStore, users UserStore, slot ErrorSlot, keyID string, keys map[string][]byte, publicURL, basePath string, opts ...Option) (*Handler, error) {
	if settings == nil || users == nil || slot == nil {
		return nil, errors.New("auth: settings, users and error slot are required")
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	h := &Handler{
		mux:         http.NewServeMux(),
		publicURL:   strings.TrimRight(publicURL, "/"),
		basePath:    path.Clean(basePath),
		loginURL:    "/login",
		homeURL:     "/",
		settings:    settings,
		slot:        slot,
		policy:      NewPolicy(users),
		provisioner: NewProvisioner(users, settings),
		endpoints:   GoogleEndpoints,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	stateCookie, err := middleware.NewSecureCookie(stateCookieName, keyID, keys, h.cookieOptions...)
	if err != nil {
		return nil, err
	}
	csrfCookie, err := middleware.NewSecureCookie(csrfCookieName, keyID, keys, h.cookieOptions...)
	if err != nil {
		return nil, err
	}
	h.states = NewStateStore(stateCookie, csrfCookie, h.ledger)

	h.actions = map[string]callbackAction{
		ActionLoginCallback:  {method: http.MethodGet, run: h.codeCallback},
		ActionOneTapCallback: {method: http.MethodPost, run: h.oneTapCallback},
	}

	h.mux.HandleFunc("GET "+path.Join(h.basePath, "login"), endpoint.HandleFunc(h.login, h.processors...))
	h.mux.HandleFunc(path.Join(h.basePath, "callback"), endpoint.HandleFunc(h.callback, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(h.basePath, "onetap"), endpoint.HandleFunc(h.oneTap, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(h.basePath, "error"), endpoint.HandleFunc(h.takeError, h.processors...))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// AuthorizationURL issues a state token and returns the Google
// authorization URL carrying it. It returns "#" when no client id is
// configured.
func (h *Handler) AuthorizationURL(w http.ResponseWriter, r *http.Request, loginHint string, params AuthParams) (string, error) {
	settings, err := h.loadSettings(r)
	if err != nil {
		return "", err
	}
	if !settings.Configured() {
		return "#", nil
	}
	params.NextURL = ValidateNextURLIsLocal(params.NextURL)
	state, err := h.states.Issue(w, r, params)
	if err != nil {
		return "", fmt.Errorf("issue state: %w", err)
	}
	return h.verifier(r, settings).AuthCodeURL(state, loginHint), nil
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, params LoginParams) (endpoint.Renderer, error) {
	u, err := h.AuthorizationURL(w, r, params.LoginHint, params.AuthParams)
	if err != nil {
		return h.fail(w, r, err)
	}
	if u == "#" {
		return h.fail(w, r, newAuthError(CodeNotConfigured, errors.New("no client id")))
	}
	return &endpoint.RedirectRenderer{URL: u, Status: http.StatusFound}, nil
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	a, ok := h.actions[params.Action]
	if !ok {
		return nil, endpoint.Error(http.StatusNotFound, "unknown action", nil)
	}
	if r.Method != a.method {
		w.Header().Set("Allow", a.method)
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "", nil)
	}
	return a.run(w, r, params)
}

// codeCallback completes the redirect flow. State is validated before
// anything else.
func (h *Handler) codeCallback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	st, err := h.states.Validate(w, r, params.State)
	if err != nil {
		return h.fail(w, r, err)
	}
	if params.Error != "" {
		return h.fail(w, r, newAuthError(CodeAccessDenied, &ProviderError{Code: params.Error, Description: params.ErrorDesc}))
	}

	settings, err := h.loadSettings(r)
	if err != nil {
		return h.fail(w, r, err)
	}
	if !settings.Configured() {
		return h.fail(w, r, newAuthError(CodeNotConfigured, errors.New("no client id")))
	}
	if params.Code == "" {
		return h.fail(w, r, newAuthError(CodeTokenExchangeFailed, errors.New("missing code")))
	}

	identity, err := h.verifier(r, settings).ExchangeCode(r.Context(), params.Code)
	if err != nil {
		return h.fail(w, r, err)
	}
	return h.complete(w, r, settings, identity, st.AuthParams.NextURL)
}

// oneTapCallback completes the One-Tap flow. The CSRF pair is checked
// before the credential is sent anywhere.
func (h *Handler) oneTapCallback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	if err := h.states.ValidateCSRF(w, r, params.CSRFToken); err != nil {
		return h.fail(w, r, err)
	}

	settings, err := h.loadSettings(r)
	if err != nil {
		return h.fail(w, r, err)
	}
	if !settings.Configured() {
		return h.fail(w, r, newAuthError(CodeNotConfigured, errors.New("no client id")))
	}

	identity, err := h.verifier(r, settings).VerifyCredential(r.Context(), params.Credential)
	if err != nil {
		return h.fail(w, r, err)
	}
	return h.complete(w, r, settings, identity, "")
}

// complete runs the policy, provisions the account when needed and logs the
// user in.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request, settings Settings, identity VerifiedIdentity, nextURL string) (endpoint.Renderer, error) {
	ctx := r.Context()

	decision, err := h.policy.Authorize(ctx, settings, identity.Email)
	if err != nil {
		return h.fail(w, r, err)
	}

	var user *User
	switch decision.Kind {
	case ExistingUser:
		user = decision.User
		if err := h.provisioner.SyncProfilePicture(ctx, user, identity); err != nil {
			h.logger.WarnContext(ctx, "profile picture sync failed", "user_id", user.ID, "err", err)
		}
	case Provision, SelfSignup:
		user, err = h.provisioner.CreateUser(ctx, identity, decision.Role)
		if err != nil {
			return h.fail(w, r, err)
		}
	default:
		return h.fail(w, r, newAuthError(CodeNotAllowed, fmt.Errorf("%s is not allowed", identity.Email)))
	}

	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		return h.fail(w, r, errors.New("no session in request context"))
	}
	if err := h.provisioner.EstablishSession(sess, user); err != nil {
		return h.fail(w, r, fmt.Errorf("establish session: %w", err))
	}

	if decision.Kind == Provision {
		if err := h.provisioner.RemovePending(ctx, identity.Email); err != nil {
			h.logger.WarnContext(ctx, "pending user not removed", "email", identity.Email, "err", err)
		}
	}

	h.logger.InfoContext(ctx, "google sign-in", "user_id", user.ID, "decision", decision.Kind.String())

	target := h.homeURL
	if nextURL != "" && nextURL != "/" {
		target = ValidateNextURLIsLocal(nextURL)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

// fail logs err, parks its message in the ErrorSlot and redirects to the
// login page with the slot id. Only the id reaches the URL.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) (endpoint.Renderer, error) {
	ctx := r.Context()
	code := CodeOf(err)
	h.logger.WarnContext(ctx, "google sign-in failed", "code", string(code), "err", err)

	target := h.loginURL
	id, perr := h.slot.Put(ctx, Flash{Code: code, Message: Message(code)}, flashTTL)
	if perr != nil {
		h.logger.ErrorContext(ctx, "error slot write failed", "code", string(code), "err", perr)
	} else {
		target = withQuery(target, "login_error", id)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

func (h *Handler) oneTap(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	settings, err := h.loadSettings(r)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	if !settings.Configured() {
		return &endpoint.JSONRenderer{Value: OneTapConfig{}}, nil
	}
	token, err := h.states.IssueCSRF(w, r)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return &endpoint.JSONRenderer{Value: OneTapConfig{
		Enabled:   true,
		Homepage:  settings.OneTapHomepage,
		ClientID:  settings.ClientID,
		LoginURI:  h.callbackURL(ActionOneTapCallback),
		CSRFToken: token,
	}}, nil
}

func (h *Handler) takeError(w http.ResponseWriter, r *http.Request, params ErrorParams) (endpoint.Renderer, error) {
	if params.ID == "" {
		return nil, endpoint.Error(http.StatusNotFound, "", nil)
	}
	f, err := h.slot.Take(r.Context(), params.ID)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, endpoint.Error(http.StatusNotFound, "", err)
	}
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return &endpoint.JSONRenderer{Value: f}, nil
}

func (h *Handler) loadSettings(r *http.Request) (Settings, error) {
	s, err := h.settings.Get(r.Context())
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s.WithDefaults(), nil
}

func (h *Handler) verifier(r *http.Request, settings Settings) *Verifier {
	return NewVerifier(r.Context(), settings, h.callbackURL(ActionLoginCallback), h.endpoints)
}

func (h *Handler) callbackURL(action string) string {
	u, err := url.Parse(h.publicURL)
	if err != nil {
		return h.publicURL + path.Join(h.basePath, "callback") + "?action=" + url.QueryEscape(action)
	}
	u.Path = path.Join(u.Path, h.basePath, "callback")
	u.RawQuery = url.Values{"action": {action}}.Encode()
	return u.String()
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
