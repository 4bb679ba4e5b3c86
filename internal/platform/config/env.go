// Package config loads service settings from the process environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every setting of this service. Config structs
// declare their env tags without it.
const EnvPrefix = "PASSKEY_"

// ParseEnv populates target from PASSKEY_-prefixed environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
