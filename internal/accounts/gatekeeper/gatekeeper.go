// Package gatekeeper is the request-boundary middleware for account routes.
//
// It classifies every inbound request against an explicit route table and is
// the only layer that turns domain errors into redirects or HTTP statuses.
// Token-bearing link routes get their token checked (without consuming it)
// and the validated token is handed to the page through a short-lived signed
// cookie. Session-gated routes validate the bearer and remember where the
// visitor was headed so login can send them back.
package gatekeeper

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/session"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	"github.com/internetfriends/accounts/internal/platform/config"
	"github.com/internetfriends/accounts/internal/platform/id"
)

// RouteClass is the access rule a route falls under.
type RouteClass int

const (
	// RoutePublic passes through unconditionally.
	RoutePublic RouteClass = iota
	// RouteSessionGated requires a valid session bearer.
	RouteSessionGated
	// RouteTokenGated requires a valid one-time token in the query string.
	RouteTokenGated
)

// Rule binds a path prefix to an access class. Token-gated rules also name
// the credential kind their token must be.
type Rule struct {
	Prefix    string
	Class     RouteClass
	TokenKind credential.Kind
}

// HandoffCookieName carries the validated-token grant to the consuming page.
const HandoffCookieName = "token_grant"

// RedirectCookieName stores the post-login destination.
const RedirectCookieName = "post_login_redirect"

// Config controls gatekeeper redirect targets and hand-off signing.
type Config struct {
	LoginPath  string        `env:"ACCOUNTS_GATEKEEPER_LOGIN_PATH"  envDefault:"/login"`
	ErrorPath  string        `env:"ACCOUNTS_GATEKEEPER_ERROR_PATH"  envDefault:"/auth/error"`
	HandoffTTL time.Duration `env:"ACCOUNTS_GATEKEEPER_HANDOFF_TTL" envDefault:"2m"`
	SigningKey string        `env:"ACCOUNTS_GATEKEEPER_SIGNING_KEY"`
	Issuer     string        `env:"ACCOUNTS_GATEKEEPER_ISSUER"      envDefault:"accounts"`
	Secure     bool          `env:"ACCOUNTS_COOKIE_SECURE"          envDefault:"false"`
}

// LoadConfigFromEnv returns gatekeeper configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{
			LoginPath:  "/login",
			ErrorPath:  "/auth/error",
			HandoffTTL: 2 * time.Minute,
			Issuer:     "accounts",
		}
	}
	return cfg
}

// Gatekeeper evaluates the access decision once per inbound request.
type Gatekeeper struct {
	rules      []Rule
	sessions   *session.Manager
	store      storage.Store
	config     Config
	signingKey []byte
	clock      func() time.Time
}

// New builds a gatekeeper over the route table. Without a configured signing
// key a random per-process key is used; hand-off grants are short-lived so
// they never need to outlive the process.
func New(cfg Config, sessions *session.Manager, store storage.Store, rules []Rule) *Gatekeeper {
	key := []byte(strings.TrimSpace(cfg.SigningKey))
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	if cfg.HandoffTTL <= 0 {
		cfg.HandoffTTL = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.LoginPath) == "" {
		cfg.LoginPath = "/login"
	}
	if strings.TrimSpace(cfg.ErrorPath) == "" {
		cfg.ErrorPath = "/auth/error"
	}
	return &Gatekeeper{
		rules:      rules,
		sessions:   sessions,
		store:      store,
		config:     cfg,
		signingKey: key,
		clock:      time.Now,
	}
}

// SetClock overrides time lookups for tests.
func (g *Gatekeeper) SetClock(clock func() time.Time) {
	if g == nil || clock == nil {
		return
	}
	g.clock = clock
}

// Classify resolves the access class for a request path. The longest
// matching prefix wins; unmatched paths are public.
func (g *Gatekeeper) Classify(path string) Rule {
	var best Rule
	bestLen := -1
	for _, rule := range g.rules {
		if !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		if len(rule.Prefix) > bestLen {
			best = rule
			bestLen = len(rule.Prefix)
		}
	}
	if bestLen < 0 {
		return Rule{Class: RoutePublic}
	}
	return best
}

// Middleware wraps next with the access decision.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := g.Classify(r.URL.Path)
		switch rule.Class {
		case RouteTokenGated:
			g.serveTokenGated(w, r, rule, next)
		case RouteSessionGated:
			g.serveSessionGated(w, r, next)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// serveTokenGated checks the query token's lifecycle state without
// consuming it; the page behind the route performs the consuming write.
func (g *Gatekeeper) serveTokenGated(w http.ResponseWriter, r *http.Request, rule Rule, next http.Handler) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	state, err := g.tokenState(r.Context(), rule.TokenKind, token)
	if err != nil {
		http.Error(w, "unable to check token", http.StatusInternalServerError)
		return
	}
	if state != credential.StateValid {
		g.redirectError(w, r, state.String())
		return
	}
	if err := g.writeHandoff(w, r, rule.TokenKind, token); err != nil {
		http.Error(w, "unable to issue token grant", http.StatusInternalServerError)
		return
	}
	next.ServeHTTP(w, r)
}

// tokenState reads the token's lifecycle state. Only an absent row reads as
// missing; a store failure is reported so an outage never masquerades as an
// invalid token.
func (g *Gatekeeper) tokenState(ctx context.Context, kind credential.Kind, token string) (credential.State, error) {
	if token == "" {
		return credential.StateMissing, nil
	}
	method, err := g.store.GetAuthMethodByCredential(ctx, kind, token)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return credential.StateMissing, nil
		}
		return credential.StateMissing, fmt.Errorf("look up token: %w", err)
	}
	return credential.Evaluate(&method, g.clock().UTC()), nil
}

// serveSessionGated validates the bearer, completing a pending post-login
// redirect on success and remembering the destination on failure.
func (g *Gatekeeper) serveSessionGated(w http.ResponseWriter, r *http.Request, next http.Handler) {
	token, ok := g.sessions.FromRequest(r)
	if !ok {
		g.rememberDestination(w, r)
		http.Redirect(w, r, g.config.LoginPath, http.StatusFound)
		return
	}
	userID, err := g.sessions.Validate(r.Context(), token)
	if err != nil {
		g.rememberDestination(w, r)
		http.Redirect(w, r, g.config.LoginPath, http.StatusFound)
		return
	}

	if destination, ok := g.pendingRedirect(r); ok {
		g.clearRedirect(w)
		http.Redirect(w, r, destination, http.StatusFound)
		return
	}
	next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
}

func (g *Gatekeeper) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	target, err := url.Parse(g.config.ErrorPath)
	if err != nil {
		http.Error(w, reason, http.StatusBadRequest)
		return
	}
	query := target.Query()
	query.Set("reason", reason)
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// rememberDestination stores the attempted URL so login can finish the trip.
// Only local paths are remembered; anything resembling an absolute or
// scheme-relative URL is dropped.
func (g *Gatekeeper) rememberDestination(w http.ResponseWriter, r *http.Request) {
	destination := r.URL.RequestURI()
	if !localPath(destination) {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     RedirectCookieName,
		Value:    url.QueryEscape(destination),
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   g.config.Secure || r.TLS != nil,
	})
}

func (g *Gatekeeper) pendingRedirect(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(RedirectCookieName)
	if err != nil || cookie == nil {
		return "", false
	}
	destination, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return "", false
	}
	if !localPath(destination) {
		return "", false
	}
	return destination, true
}

func (g *Gatekeeper) clearRedirect(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RedirectCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// localPath reports whether destination stays on this origin.
func localPath(destination string) bool {
	if destination == "" || !strings.HasPrefix(destination, "/") {
		return false
	}
	if strings.HasPrefix(destination, "//") || strings.HasPrefix(destination, "/\\") {
		return false
	}
	return true
}

// handoffClaims is the signed grant a token-gated page receives in place of
// re-reading the raw query token.
type handoffClaims struct {
	jwt.RegisteredClaims
	Token string `json:"token"`
	Kind  string `json:"kind"`
}

// Handoff is a validated token grant.
type Handoff struct {
	Token string
	Kind  credential.Kind
}

func (g *Gatekeeper) writeHandoff(w http.ResponseWriter, r *http.Request, kind credential.Kind, token string) error {
	jti, err := id.NewID()
	if err != nil {
		return fmt.Errorf("generate grant id: %w", err)
	}
	now := g.clock().UTC()
	claims := handoffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.config.HandoffTTL)),
			ID:        jti,
		},
		Token: token,
		Kind:  string(kind),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.signingKey)
	if err != nil {
		return fmt.Errorf("sign token grant: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     HandoffCookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(g.config.HandoffTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   g.config.Secure || r.TLS != nil,
	})
	return nil
}

// ConsumeHandoff reads and clears the token grant cookie, verifying the
// signature and expiry before trusting its contents.
func (g *Gatekeeper) ConsumeHandoff(w http.ResponseWriter, r *http.Request) (Handoff, error) {
	cookie, err := r.Cookie(HandoffCookieName)
	if err != nil || cookie == nil {
		return Handoff{}, fmt.Errorf("token grant is missing")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     HandoffCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	var claims handoffClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(token *jwt.Token) (any, error) {
		return g.signingKey, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(g.config.Issuer),
		jwt.WithTimeFunc(func() time.Time { return g.clock().UTC() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Handoff{}, fmt.Errorf("token grant is expired")
		}
		return Handoff{}, fmt.Errorf("token grant is invalid")
	}

	kind, ok := credential.ParseKind(claims.Kind)
	if !ok {
		return Handoff{}, fmt.Errorf("token grant is invalid")
	}
	if strings.TrimSpace(claims.Token) == "" {
		return Handoff{}, fmt.Errorf("token grant is invalid")
	}
	return Handoff{Token: claims.Token, Kind: kind}, nil
}

type contextKey struct{}

// WithUserID stores the authenticated user on the request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID returns the authenticated user set by the middleware.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}
