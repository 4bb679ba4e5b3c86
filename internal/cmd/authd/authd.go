// Package authd parses configuration for the auth server command.
package authd

import (
	"context"
	"flag"
	"strings"

	server "github.com/stephenp0320/passwordless-auth-system/internal/auth/app"
)

// Config holds authd command configuration.
type Config struct {
	Addr   string
	DBPath string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config. Environment variables provide the
// defaults; flags override them.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Addr:   envOrDefault(lookup, []string{"PASSKEY_HTTP_ADDR"}, "localhost:8080"),
		DBPath: envOrDefault(lookup, []string{"PASSKEY_DB_PATH"}, ""),
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP server address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite database")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the auth server.
func Run(ctx context.Context, cfg Config) error {
	return server.Run(ctx, cfg.Addr, cfg.DBPath)
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
