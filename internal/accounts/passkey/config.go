package passkey

import (
	"strings"

	"github.com/internetfriends/accounts/internal/platform/config"
)

// CeremonyKind describes the WebAuthn ceremony a challenge belongs to.
type CeremonyKind string

const (
	CeremonyRegistration CeremonyKind = "registration"
	CeremonyLogin        CeremonyKind = "login"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string   `env:"ACCOUNTS_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Internet Friends"`
	RPID          string   `env:"ACCOUNTS_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string `env:"ACCOUNTS_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
}

// LoadConfigFromEnv returns relying party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{
			RPDisplayName: "Internet Friends",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8080"},
		}
	}
	if strings.TrimSpace(cfg.RPDisplayName) == "" {
		cfg.RPDisplayName = "Internet Friends"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	return cfg
}
