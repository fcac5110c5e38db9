package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid sealed cookie format")
	ErrCookieInvalid = errors.New("invalid sealed cookie")
	ErrCookieConfig  = errors.New("invalid sealed cookie configuration")
)

// maxCookieLen bounds how much attacker-supplied cookie data is decoded.
const maxCookieLen = 8192

// KeySize is the key length required by the default AEAD (XChaCha20-Poly1305).
const KeySize = chacha20poly1305.KeySize

// SecureCookie seals values into cookies and opens them again.
//
// Values are encrypted and authenticated, so a client can neither read nor
// forge them; it can only replay a value it was previously given.
type SecureCookie interface {
	Name() string
	Encode(v any, maxAge int) (*http.Cookie, error)
	Decode(c *http.Cookie, v any) error
	// Clear returns a cookie that deletes this cookie in the client.
	Clear() *http.Cookie
}

// Keyring holds the AEAD keys used for sealing. KeyID selects the key used
// for new values; every key in Keys is accepted when opening, which allows
// rotation.
type Keyring struct {
	KeyID   string
	Keys    map[string][]byte
	newAEAD func(key []byte) (cipher.AEAD, error)
}

// NewKeyring validates keys and returns a Keyring. newAEAD defaults to
// chacha20poly1305.NewX when nil.
func NewKeyring(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrCookieConfig, id, err)
		}
	}
	return &Keyring{KeyID: keyID, Keys: keys, newAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad. The result has the form
// keyID "." base64url(nonce || ciphertext).
func (k *Keyring) Seal(plain, aad []byte) (string, error) {
	if k == nil {
		return "", ErrCookieConfig
	}
	aead, err := k.newAEAD(k.Keys[k.KeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return k.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (k *Keyring) Open(value string, aad []byte) ([]byte, error) {
	if k == nil {
		return nil, ErrCookieConfig
	}
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := k.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := k.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SealedCookie is the SecureCookie implementation: CBOR encoding, sealed
// with a Keyring. Cookies are always HttpOnly.
type SealedCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	keyring  *Keyring
	newAEAD  func([]byte) (cipher.AEAD, error)
}

// SecureCookieOption configures a SealedCookie.
type SecureCookieOption func(*SealedCookie)

// WithAEAD replaces the AEAD constructor (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SealedCookie) { sc.newAEAD = f }
}

// WithPath sets the cookie path. Default "/".
func WithPath(path string) SecureCookieOption {
	return func(sc *SealedCookie) { sc.path = path }
}

// WithDomain sets the cookie domain. Default is host-only.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SealedCookie) { sc.domain = domain }
}

// WithSecure sets the Secure attribute. Default true.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SealedCookie) { sc.secure = secure }
}

// WithSameSite sets the SameSite attribute. Default Lax.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SealedCookie) { sc.sameSite = sameSite }
}

// NewSecureCookie returns a SealedCookie named name using the keys given.
func NewSecureCookie(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SealedCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	sc := &SealedCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	kr, err := NewKeyring(keyID, keys, sc.newAEAD)
	if err != nil {
		return nil, err
	}
	sc.keyring = kr
	return sc, nil
}

func (sc *SealedCookie) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// aad binds the sealed value to the cookie's name and scope so a value
// cannot be moved between cookies.
func (sc *SealedCookie) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secure)
}

func (sc *SealedCookie) Encode(v any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	if sc == nil || sc.keyring == nil {
		return nil, ErrCookieConfig
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.keyring.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

func (sc *SealedCookie) Decode(c *http.Cookie, v any) error {
	if c == nil {
		return ErrCookieFormat
	}
	if sc == nil || sc.keyring == nil {
		return ErrCookieConfig
	}
	plain, err := sc.keyring.Open(c.Value, sc.aad())
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCookieFormat, err)
	}
	return nil
}

func (sc *SealedCookie) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}

var _ SecureCookie = (*SealedCookie)(nil)
