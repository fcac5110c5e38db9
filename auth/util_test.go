package auth

import (
	"strings"
	"testing"
)

func TestValidateNextURLIsLocal(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/":                         "/",
		"/dash":                     "/dash",
		"/posts/1?tab=comments#top": "/posts/1?tab=comments#top",
		"/a%20b":                    "/a%20b",
		"dash":                      "/",
		"//evil.example.com":        "/",
		"///evil.example.com":       "/",
		"/\\evil.example.com":       "/",
		"/\t/evil.example.com":      "/",
		"/\r\n/evil.example.com":    "/",
		"/\x7f/evil.example.com":    "/",
		" /dash":                    "/",
		"/%09/evil.example.com":     "/",
		"/%2F/evil.example.com":     "/",
		"/%2f/evil.example.com":     "/",
		"/%5C/evil.example.com":     "/",
		"/%zz":                      "/",
		"https://evil.example.com/": "/",
		"javascript:alert(1)":       "/",
	}
	for in, want := range cases {
		if got := ValidateNextURLIsLocal(in); got != want {
			t.Errorf("ValidateNextURLIsLocal(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateNextURLIsLocalLength(t *testing.T) {
	ok := "/" + strings.Repeat("a", maxNextURLLength-1)
	if got := ValidateNextURLIsLocal(ok); got != ok {
		t.Fatalf("%d-byte path rejected", len(ok))
	}
	if got := ValidateNextURLIsLocal(ok + "a"); got != "/" {
		t.Fatalf("%d-byte path accepted", len(ok)+1)
	}
}
