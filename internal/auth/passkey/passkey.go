// Package passkey configures the WebAuthn relying party.
package passkey

import (
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stephenp0320/passwordless-auth-system/internal/platform/config"
)

// Config holds the relying party settings. Origins must list every browser
// origin that is allowed to complete a ceremony.
type Config struct {
	RPDisplayName string        `env:"WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Passwordless Auth"`
	RPID          string        `env:"WEBAUTHN_RP_ID" envDefault:"localhost"`
	RPOrigins     []string      `env:"WEBAUTHN_RP_ORIGINS" envDefault:"http://localhost:8080"`
	ChallengeTTL  time.Duration `env:"CHALLENGE_TTL" envDefault:"2m"`
}

// LoadConfigFromEnv reads relying party settings from the environment.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{}
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse passkey config: %w", err)
	}
	return cfg, nil
}

// NewWebAuthn builds the ceremony engine from the relying party config.
func NewWebAuthn(cfg Config) (*webauthn.WebAuthn, error) {
	if cfg.RPID == "" {
		return nil, fmt.Errorf("relying party id is required")
	}
	if len(cfg.RPOrigins) == 0 {
		return nil, fmt.Errorf("at least one relying party origin is required")
	}
	engine, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return engine, nil
}
