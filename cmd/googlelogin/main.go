// Command googlelogin serves the Google sign-in routes in front of a small
// demo application.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mnehpets/googlelogin/auth"
	"github.com/mnehpets/googlelogin/config"
	"github.com/mnehpets/googlelogin/endpoint"
	"github.com/mnehpets/googlelogin/middleware"
	"github.com/mnehpets/googlelogin/store/memory"
	"github.com/mnehpets/googlelogin/store/redis"
	"github.com/mnehpets/googlelogin/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	keys, err := cfg.Keys()
	if err != nil {
		return err
	}
	if keys == nil {
		// Cookies sealed with a random key do not survive a restart.
		logger.Warn("GOOGLELOGIN_COOKIE_KEYS not set, using an ephemeral key")
		k := make([]byte, middleware.KeySize)
		if _, err := rand.Read(k); err != nil {
			return err
		}
		keys = map[string][]byte{cfg.CookieKeyID: k}
	}

	var (
		users    auth.UserStore
		settings auth.ConfigStore
	)
	switch cfg.Store {
	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		users, settings = db.Users(), db.Settings()
	default:
		users, settings = memory.NewUserStore(), memory.NewConfigStore(auth.Settings{})
	}
	if err := bootstrapSettings(ctx, cfg, settings); err != nil {
		return err
	}

	var (
		slot   auth.ErrorSlot
		ledger auth.ReplayLedger
	)
	if cfg.RedisAddr != "" {
		client, err := redis.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer client.Close()
		slot, ledger = redis.NewErrorSlot(client), redis.NewReplayLedger(client)
	} else {
		slot, ledger = memory.NewErrorSlot(), memory.NewReplayLedger()
	}

	secure := middleware.WithSecure(cfg.SecureCookies())
	sessions, err := middleware.NewSessionProcessor(cfg.CookieKeyID, keys,
		middleware.WithSessionCookieOptions(secure))
	if err != nil {
		return err
	}
	var headerOpts []middleware.SecurityHeadersOption
	if !cfg.SecureCookies() {
		headerOpts = append(headerOpts, middleware.WithoutHSTS())
	}
	headers := middleware.NewSecurityHeadersProcessor(headerOpts...)

	authHandler, err := auth.NewHandler(settings, users, slot, cfg.CookieKeyID, keys, cfg.PublicURL, cfg.BasePath,
		auth.WithProcessors(headers, sessions),
		auth.WithCookieOptions(secure),
		auth.WithReplayLedger(ledger),
		auth.WithLogger(logger),
		auth.WithLoginURL(cfg.LoginURL),
		auth.WithHomeURL(cfg.HomeURL),
	)
	if err != nil {
		return err
	}

	base := strings.TrimRight(cfg.BasePath, "/")
	mux := http.NewServeMux()
	mux.Handle(base+"/", authHandler)
	mux.HandleFunc("POST "+base+"/logout", endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, params auth.AuthParams) (endpoint.Renderer, error) {
		if sess, ok := middleware.SessionFromContext(r.Context()); ok {
			if err := sess.Logout(); err != nil {
				return nil, endpoint.Error(http.StatusInternalServerError, "logout failed", err)
			}
		}
		return &endpoint.RedirectRenderer{URL: auth.ValidateNextURLIsLocal(params.NextURL), Status: http.StatusFound}, nil
	}, headers, sessions))
	mux.HandleFunc("GET /whoami", endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		var body struct {
			LoggedIn bool   `json:"logged_in"`
			UserID   string `json:"user_id,omitempty"`
		}
		if sess, ok := middleware.SessionFromContext(r.Context()); ok {
			body.UserID, body.LoggedIn = sess.UserID()
		}
		return &endpoint.JSONRenderer{Value: body}, nil
	}, headers, sessions))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "public_url", cfg.PublicURL)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bootstrapSettings seeds an unconfigured settings store from the
// environment.
func bootstrapSettings(ctx context.Context, cfg config.Config, store auth.ConfigStore) error {
	current, err := store.Get(ctx)
	if err != nil {
		return err
	}
	if current.Configured() || cfg.BootstrapClientID == "" {
		return nil
	}
	s := auth.Settings{
		ClientID:          cfg.BootstrapClientID,
		ClientSecret:      cfg.BootstrapClientSecret,
		AllowNewSignups:   cfg.BootstrapAllowSignups,
		DefaultSignupRole: cfg.BootstrapDefaultRole,
		AllowedUsers:      current.AllowedUsers,
	}
	for _, email := range cfg.BootstrapAllowedEmails {
		if e := auth.NormalizeEmail(email); e != "" {
			s.AllowedUsers = append(s.AllowedUsers, auth.PendingUser{Email: e, Role: s.WithDefaults().DefaultSignupRole})
		}
	}
	return store.Set(ctx, s)
}
