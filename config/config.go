// Package config loads the googlelogin server configuration from the
// environment, after reading an optional .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mnehpets/googlelogin/middleware"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the process configuration. Sign-in Settings (client id,
// allowed users) live in the settings store, not here; the Bootstrap
// fields only seed an empty store.
type Config struct {
	Addr      string `env:"GOOGLELOGIN_ADDR"       envDefault:":8080"`
	PublicURL string `env:"GOOGLELOGIN_PUBLIC_URL" envDefault:"http://localhost:8080"`
	BasePath  string `env:"GOOGLELOGIN_BASE_PATH"  envDefault:"/auth"`
	LoginURL  string `env:"GOOGLELOGIN_LOGIN_URL"  envDefault:"/login"`
	HomeURL   string `env:"GOOGLELOGIN_HOME_URL"   envDefault:"/"`

	// CookieKeys maps key ids to base64 encoded 32-byte keys, as
	// "id1:key1,id2:key2". CookieKeyID selects the key for new cookies.
	CookieKeyID     string            `env:"GOOGLELOGIN_COOKIE_KEY_ID" envDefault:"k1"`
	CookieKeys      map[string]string `env:"GOOGLELOGIN_COOKIE_KEYS"   envKeyValSeparator:":" envSeparator:","`
	InsecureCookies bool              `env:"GOOGLELOGIN_INSECURE_COOKIES"`

	Store         string `env:"GOOGLELOGIN_STORE"          envDefault:"memory"`
	SQLitePath    string `env:"GOOGLELOGIN_SQLITE_PATH"    envDefault:"googlelogin.db"`
	RedisAddr     string `env:"GOOGLELOGIN_REDIS_ADDR"`
	RedisPassword string `env:"GOOGLELOGIN_REDIS_PASSWORD"`

	BootstrapClientID      string   `env:"GOOGLELOGIN_GOOGLE_CLIENT_ID"`
	BootstrapClientSecret  string   `env:"GOOGLELOGIN_GOOGLE_CLIENT_SECRET"`
	BootstrapAllowSignups  bool     `env:"GOOGLELOGIN_ALLOW_NEW_SIGNUPS"`
	BootstrapDefaultRole   string   `env:"GOOGLELOGIN_DEFAULT_SIGNUP_ROLE"`
	BootstrapAllowedEmails []string `env:"GOOGLELOGIN_ALLOWED_USERS" envSeparator:","`

	LogLevel slog.Level `env:"GOOGLELOGIN_LOG_LEVEL" envDefault:"INFO"`
}

// Load reads files (default ".env") into the environment, without
// overriding variables already set, then parses Config. A missing default
// .env file is not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env cannot check by itself.
func (c Config) Validate() error {
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("GOOGLELOGIN_PUBLIC_URL must be an absolute URL, got %q", c.PublicURL)
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("GOOGLELOGIN_BASE_PATH must start with /, got %q", c.BasePath)
	}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("GOOGLELOGIN_SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("GOOGLELOGIN_STORE must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Store)
	}
	if len(c.CookieKeys) > 0 {
		if _, ok := c.CookieKeys[c.CookieKeyID]; !ok {
			return fmt.Errorf("GOOGLELOGIN_COOKIE_KEYS has no key %q", c.CookieKeyID)
		}
	}
	return nil
}

// Keys decodes CookieKeys. It returns nil when none are configured.
func (c Config) Keys() (map[string][]byte, error) {
	if len(c.CookieKeys) == 0 {
		return nil, nil
	}
	keys := make(map[string][]byte, len(c.CookieKeys))
	for id, enc := range c.CookieKeys {
		k, err := decodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("cookie key %q: %w", id, err)
		}
		if len(k) != middleware.KeySize {
			return nil, fmt.Errorf("cookie key %q: want %d bytes, got %d", id, middleware.KeySize, len(k))
		}
		keys[id] = k
	}
	return keys, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if k, err := enc.DecodeString(s); err == nil {
			return k, nil
		}
	}
	return nil, errors.New("not valid base64")
}

// SecureCookies reports whether cookies get the Secure attribute.
func (c Config) SecureCookies() bool {
	return !c.InsecureCookies
}
