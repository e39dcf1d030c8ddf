// Package sessioncookie centralizes session bearer cookie behavior.
package sessioncookie

import (
	"net/http"
	"strings"
	"time"

	"github.com/internetfriends/accounts/internal/platform/config"
)

// DefaultName is the canonical session cookie name.
const DefaultName = "session"

// Config controls session cookie attributes.
//
// The config is injected rather than read from ambient globals so tests can
// exercise domain and secure behavior directly.
type Config struct {
	Name   string        `env:"ACCOUNTS_SESSION_COOKIE_NAME"   envDefault:"session"`
	Domain string        `env:"ACCOUNTS_COOKIE_DOMAIN"`
	MaxAge time.Duration `env:"ACCOUNTS_SESSION_COOKIE_MAX_AGE" envDefault:"168h"`
	Secure bool          `env:"ACCOUNTS_COOKIE_SECURE"          envDefault:"false"`
}

// LoadConfigFromEnv returns cookie configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{Name: DefaultName, MaxAge: 7 * 24 * time.Hour}
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultName
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	return cfg
}

// Cookies reads and writes the session bearer as an HTTP cookie.
type Cookies struct {
	cfg Config
}

// New builds the cookie transport for the config.
func New(cfg Config) *Cookies {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultName
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	return &Cookies{cfg: cfg}
}

// Name returns the configured cookie name.
func (c *Cookies) Name() string {
	if c == nil {
		return DefaultName
	}
	return c.cfg.Name
}

// Read returns the trimmed session cookie value when present.
func (c *Cookies) Read(r *http.Request) (string, bool) {
	if c == nil || r == nil {
		return "", false
	}
	cookie, err := r.Cookie(c.cfg.Name)
	if err != nil || cookie == nil {
		return "", false
	}
	value := strings.TrimSpace(cookie.Value)
	if value == "" {
		return "", false
	}
	return value, true
}

// Write sets the session cookie for the current request context.
func (c *Cookies) Write(w http.ResponseWriter, r *http.Request, token string) {
	if c == nil || w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    strings.TrimSpace(token),
		Path:     "/",
		Domain:   c.cfg.Domain,
		MaxAge:   int(c.cfg.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie for the current request context.
func (c *Cookies) Clear(w http.ResponseWriter, r *http.Request) {
	if c == nil || w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *Cookies) secure(r *http.Request) bool {
	if c.cfg.Secure {
		return true
	}
	return r != nil && r.TLS != nil
}
