package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Endpoints are the Google URLs used by the Verifier.
type Endpoints struct {
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	TokenInfoURL string
}

// GoogleEndpoints are the production Google endpoints.
var GoogleEndpoints = Endpoints{
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v3/userinfo",
	TokenInfoURL: "https://oauth2.googleapis.com/tokeninfo",
}

const googleIssuer = "https://accounts.google.com"

// acceptedIssuers are the iss values Google puts in ID tokens.
var acceptedIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

const (
	exchangeTimeout     = 30 * time.Second
	introspectTimeout   = 10 * time.Second
	maxTokenInfoBytes   = 1 << 20
	maxCredentialLength = 8192
)

// VerifiedIdentity is a Google profile whose email has been verified by
// one of the two paths.
type VerifiedIdentity struct {
	Email       string
	GivenName   string
	FamilyName  string
	DisplayName string
	PictureURL  string
}

// Verifier turns an authorization code or a One-Tap credential into a
// VerifiedIdentity. It is cheap to build and is built per request from the
// current Settings.
type Verifier struct {
	clientID         string
	oauth            *oauth2.Config
	provider         *oidc.Provider
	tokenInfoURL     string
	exchangeClient   *http.Client
	introspectClient *http.Client
	now              func() time.Time
}

// NewVerifier builds a Verifier. No network calls are made.
func NewVerifier(ctx context.Context, settings Settings, redirectURL string, ep Endpoints) *Verifier {
	scopes := []string{"email", "profile"}
	if settings.RequestOpenID {
		scopes = append(scopes, oidc.ScopeOpenID)
	}

	pc := &oidc.ProviderConfig{
		IssuerURL:   googleIssuer,
		AuthURL:     ep.AuthURL,
		TokenURL:    ep.TokenURL,
		UserInfoURL: ep.UserInfoURL,
	}
	provider := pc.NewProvider(ctx)

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Verifier{
		clientID: strings.TrimSpace(settings.ClientID),
		oauth: &oauth2.Config{
			ClientID:     strings.TrimSpace(settings.ClientID),
			ClientSecret: settings.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		provider:         provider,
		tokenInfoURL:     ep.TokenInfoURL,
		exchangeClient:   &http.Client{Timeout: exchangeTimeout},
		introspectClient: &http.Client{Timeout: introspectTimeout},
		now:              time.Now,
	}
}

// AuthCodeURL returns the Google authorization URL for state.
func (v *Verifier) AuthCodeURL(state, loginHint string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if hint := strings.TrimSpace(loginHint); hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", hint))
	}
	return v.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems an authorization code and fetches the userinfo
// profile with the resulting access token.
func (v *Verifier) ExchangeCode(ctx context.Context, code string) (VerifiedIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, v.exchangeClient)

	tok, err := v.oauth.Exchange(ctx, code)
	if err != nil {
		// x/oauth2 reports an empty access_token as an exchange error.
		if strings.Contains(err.Error(), "missing access_token") {
			return VerifiedIdentity{}, newAuthError(CodeTokenMissing, err)
		}
		return VerifiedIdentity{}, newAuthError(CodeTokenExchangeFailed, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return VerifiedIdentity{}, newAuthError(CodeTokenMissing, errors.New("empty access token"))
	}

	info, err := v.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return VerifiedIdentity{}, newAuthError(CodeUserinfoFailed, err)
	}
	var claims profileClaims
	if err := info.Claims(&claims); err != nil {
		return VerifiedIdentity{}, newAuthError(CodeUserinfoFailed, err)
	}
	if claims.EmailVerified == "false" {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, errors.New("email not verified"))
	}

	email := NormalizeEmail(info.Email)
	if email == "" {
		return VerifiedIdentity{}, newAuthError(CodeEmailMissing, errors.New("userinfo has no email"))
	}
	return claims.identity(email), nil
}

// VerifyCredential checks a One-Tap ID token with Google's tokeninfo
// endpoint, which validates signature and expiry, then checks audience and
// issuer locally.
func (v *Verifier) VerifyCredential(ctx context.Context, credential string) (VerifiedIdentity, error) {
	if v.clientID == "" {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, errors.New("client id not configured"))
	}
	if credential == "" {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, errors.New("empty credential"))
	}
	if len(credential) > maxCredentialLength {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, fmt.Errorf("credential too long: %d bytes", len(credential)))
	}

	u, err := url.Parse(v.tokenInfoURL)
	if err != nil {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, err)
	}
	q := u.Query()
	q.Set("id_token", credential)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, err)
	}
	resp, err := v.introspectClient.Do(req)
	if err != nil {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, fmt.Errorf("tokeninfo: status %d", resp.StatusCode))
	}
	var ti tokenInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenInfoBytes)).Decode(&ti); err != nil {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, fmt.Errorf("tokeninfo: %w", err))
	}

	if string(ti.Aud) != v.clientID {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, fmt.Errorf("audience mismatch: %q", ti.Aud))
	}
	if !issuerAccepted(string(ti.Iss)) {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, fmt.Errorf("issuer not accepted: %q", ti.Iss))
	}
	if ti.Exp != "" {
		exp, err := strconv.ParseInt(string(ti.Exp), 10, 64)
		if err != nil {
			return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, fmt.Errorf("bad exp: %w", err))
		}
		if !v.now().Before(time.Unix(exp, 0)) {
			return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, errors.New("credential expired"))
		}
	}
	if ti.EmailVerified == "false" {
		return VerifiedIdentity{}, newAuthError(CodeInvalidCredential, errors.New("email not verified"))
	}

	email := NormalizeEmail(string(ti.Email))
	if email == "" {
		return VerifiedIdentity{}, newAuthError(CodeEmailMissing, errors.New("credential has no email"))
	}
	return profileClaims{
		GivenName:  string(ti.GivenName),
		FamilyName: string(ti.FamilyName),
		Name:       string(ti.Name),
		Picture:    string(ti.Picture),
	}.identity(email), nil
}

func issuerAccepted(iss string) bool {
	for _, a := range acceptedIssuers {
		if iss == a {
			return true
		}
	}
	return false
}

// profileClaims is the userinfo profile. email_verified is a JSON bool
// there but is accepted as a string too.
type profileClaims struct {
	GivenName     string      `json:"given_name"`
	FamilyName    string      `json:"family_name"`
	Name          string      `json:"name"`
	Picture       string      `json:"picture"`
	EmailVerified claimString `json:"email_verified"`
}

func (c profileClaims) identity(email string) VerifiedIdentity {
	return VerifiedIdentity{
		Email:       email,
		GivenName:   strings.TrimSpace(c.GivenName),
		FamilyName:  strings.TrimSpace(c.FamilyName),
		DisplayName: strings.TrimSpace(c.Name),
		PictureURL:  strings.TrimSpace(c.Picture),
	}
}

// tokenInfo is the tokeninfo response. Google encodes every value as a
// JSON string; claimString also accepts numbers and booleans.
type tokenInfo struct {
	Aud           claimString `json:"aud"`
	Iss           claimString `json:"iss"`
	Exp           claimString `json:"exp"`
	Email         claimString `json:"email"`
	EmailVerified claimString `json:"email_verified"`
	Name          claimString `json:"name"`
	GivenName     claimString `json:"given_name"`
	FamilyName    claimString `json:"family_name"`
	Picture       claimString `json:"picture"`
}

type claimString string

func (c *claimString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = claimString(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && (b[0] == '{' || b[0] == '[') {
		return fmt.Errorf("unexpected claim value %s", b)
	}
	*c = claimString(b)
	return nil
}
