package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type testPayload struct {
	Msg string
	Num int
}

func testKeys(t *testing.T, ids ...string) map[string][]byte {
	t.Helper()
	keys := map[string][]byte{}
	for _, id := range ids {
		k := make([]byte, KeySize)
		if _, err := rand.Read(k); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
		keys[id] = k
	}
	return keys
}

func TestSealedCookie_RoundTrip(t *testing.T) {
	sc, err := NewSecureCookie("sc", "a", testKeys(t, "a"),
		WithDomain("example.com"), WithSecure(false), WithSameSite(http.SameSiteStrictMode))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	ck, err := sc.Encode(testPayload{Msg: "hello", Num: 1}, 3600)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ck.Name != "sc" || ck.Domain != "example.com" || ck.Path != "/" {
		t.Fatalf("cookie attributes: %+v", ck)
	}
	if !ck.HttpOnly || ck.Secure || ck.SameSite != http.SameSiteStrictMode || ck.MaxAge != 3600 {
		t.Fatalf("cookie flags: %+v", ck)
	}
	if strings.Contains(ck.Value, "hello") {
		t.Fatalf("cookie value is not sealed: %q", ck.Value)
	}

	var got testPayload
	if err := sc.Decode(ck, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Msg != "hello" || got.Num != 1 {
		t.Fatalf("Decode: got %+v", got)
	}
}

func TestSealedCookie_RejectsTampering(t *testing.T) {
	sc, err := NewSecureCookie("sc", "a", testKeys(t, "a"))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}
	ck, err := sc.Encode(testPayload{Msg: "x"}, 60)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	b := []byte(ck.Value)
	mid := len(b) / 2
	if b[mid] == 'A' {
		b[mid] = 'B'
	} else {
		b[mid] = 'A'
	}
	tampered := &http.Cookie{Name: "sc", Value: string(b)}

	var got testPayload
	if err := sc.Decode(tampered, &got); err == nil {
		t.Fatalf("Decode accepted tampered cookie")
	}
	if err := sc.Decode(&http.Cookie{Name: "sc", Value: "abc"}, &got); !errors.Is(err, ErrCookieFormat) {
		t.Fatalf("Decode(abc): got %v want ErrCookieFormat", err)
	}
}

func TestSealedCookie_BoundToName(t *testing.T) {
	keys := testKeys(t, "a")
	one, _ := NewSecureCookie("one", "a", keys)
	two, _ := NewSecureCookie("two", "a", keys)

	ck, err := one.Encode(testPayload{Msg: "x"}, 60)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got testPayload
	if err := two.Decode(ck, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("value moved between cookies: got %v want ErrCookieInvalid", err)
	}
}

func TestSealedCookie_KeyRotation(t *testing.T) {
	keys := testKeys(t, "old", "new")
	oldSC, _ := NewSecureCookie("sc", "old", keys)
	newSC, _ := NewSecureCookie("sc", "new", keys)

	ck, err := oldSC.Encode(testPayload{Msg: "rotated"}, 60)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got testPayload
	if err := newSC.Decode(ck, &got); err != nil {
		t.Fatalf("Decode with rotated keyring: %v", err)
	}
	if got.Msg != "rotated" {
		t.Fatalf("got %+v", got)
	}

	onlyNew := map[string][]byte{"new": keys["new"]}
	retired, _ := NewSecureCookie("sc", "new", onlyNew)
	if err := retired.Decode(ck, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("retired key accepted: %v", err)
	}
}

func TestSealedCookie_CustomAEAD(t *testing.T) {
	keys := map[string][]byte{"k": make([]byte, 32)}
	sc, err := NewSecureCookie("sc", "k", keys, WithAEAD(newAESGCMAEAD))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}
	ck, err := sc.Encode(testPayload{Num: 7}, 60)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got testPayload
	if err := sc.Decode(ck, &got); err != nil || got.Num != 7 {
		t.Fatalf("Decode: %v %+v", err, got)
	}
}

func TestNewSecureCookie_Config(t *testing.T) {
	if _, err := NewSecureCookie("sc", "missing", testKeys(t, "a")); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("missing key id: got %v", err)
	}
	if _, err := NewSecureCookie("sc", "a", map[string][]byte{"a": []byte("short")}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("short key: got %v", err)
	}
	if _, err := NewSecureCookie("", "a", testKeys(t, "a")); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("empty name: got %v", err)
	}
}

func TestSealedCookie_Clear(t *testing.T) {
	sc, _ := NewSecureCookie("sc", "a", testKeys(t, "a"), WithPath("/auth"))
	c := sc.Clear()
	if c.Name != "sc" || c.MaxAge != -1 || c.Value != "" || c.Path != "/auth" {
		t.Fatalf("Clear: %+v", c)
	}
	if _, err := sc.Encode(testPayload{}, 0); err == nil {
		t.Fatalf("Encode with maxAge 0 should fail")
	}
}
