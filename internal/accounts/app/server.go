package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/email"
	"github.com/internetfriends/accounts/internal/accounts/gatekeeper"
	"github.com/internetfriends/accounts/internal/accounts/httpapi"
	"github.com/internetfriends/accounts/internal/accounts/mfa"
	"github.com/internetfriends/accounts/internal/accounts/passkey"
	"github.com/internetfriends/accounts/internal/accounts/password"
	"github.com/internetfriends/accounts/internal/accounts/session"
	"github.com/internetfriends/accounts/internal/accounts/sessioncookie"
	"github.com/internetfriends/accounts/internal/accounts/storage/sqlite"
)

// Server hosts the accounts service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
}

// DefaultRules is the route table the gatekeeper evaluates: account pages
// need a session, token-link pages need a live token of the right kind.
func DefaultRules() []gatekeeper.Rule {
	return []gatekeeper.Rule{
		{Prefix: "/account", Class: gatekeeper.RouteSessionGated},
		{Prefix: "/password/reset", Class: gatekeeper.RouteTokenGated, TokenKind: credential.KindResetPassword},
		{Prefix: "/email/confirm", Class: gatekeeper.RouteTokenGated, TokenKind: credential.KindValidateEmail},
	}
}

// New creates a configured accounts server listening on the provided address.
func New(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	store, err := openStore(storePath())
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	cookies := sessioncookie.New(sessioncookie.LoadConfigFromEnv())
	sessions := session.NewManager(store, cookies)
	gate := gatekeeper.New(gatekeeper.LoadConfigFromEnv(), sessions, store, DefaultRules())
	handler := httpapi.NewHandler(
		store,
		sessions,
		password.NewFlows(store, nil),
		mfa.NewFlows(store, mfa.TOTPAuthority{Issuer: "internetfriends.xyz"}),
		passkey.NewCoordinator(store),
		email.NewMailer(email.LoadConfigFromEnv(), nil),
		gate,
	)

	mux := http.NewServeMux()
	httpapi.RegisterRoutes(mux, handler)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: gate.Middleware(mux)},
		store:      store,
	}, nil
}

// Addr returns the listener address for the accounts server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an accounts server until the context ends.
func Run(ctx context.Context, addr string) error {
	httpServer, err := New(addr)
	if err != nil {
		return err
	}
	return httpServer.Serve(ctx)
}

// Serve starts the accounts server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStore()

	log.Printf("accounts server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		shutdown()
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func storePath() string {
	path := strings.TrimSpace(os.Getenv("ACCOUNTS_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "accounts.db")
	}
	return path
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open accounts sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close accounts store: %v", err)
		}
	}
}
