package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"strings"
)

// tokenLength is the number of random bytes in state, CSRF and flash
// tokens: 256 bits.
const tokenLength = 32

// generateToken returns a random URL-safe token.
func generateToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateFlashID returns an unguessable ErrorSlot id.
func GenerateFlashID() (string, error) {
	return generateToken()
}

// maxNextURLLength bounds next_url so that a full state cookie stays within
// the browser's 4 KiB cookie limit.
const maxNextURLLength = 512

// ValidateNextURLIsLocal returns nextURL when it is a local absolute path,
// and "/" otherwise. Control characters and backslashes are rejected in the
// raw and the decoded path, since browsers strip or rewrite them into "//".
func ValidateNextURLIsLocal(nextURL string) string {
	if !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") ||
		len(nextURL) > maxNextURLLength || hasUnsafeURLBytes(nextURL) {
		return "/"
	}
	u, err := url.Parse(nextURL)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") || hasUnsafeURLBytes(u.Path) {
		return "/"
	}
	return nextURL
}

func hasUnsafeURLBytes(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7f || c == '\\' {
			return true
		}
	}
	return false
}
