package authd

import (
	"flag"
	"testing"
)

func lookupFrom(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("authd", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, lookupFrom(nil))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "localhost:8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.DBPath != "" {
		t.Fatalf("expected empty db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigEnv(t *testing.T) {
	fs := flag.NewFlagSet("authd", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, lookupFrom(map[string]string{
		"PASSKEY_HTTP_ADDR": "env-addr:9000",
		"PASSKEY_DB_PATH":   "/tmp/env.db",
	}))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "env-addr:9000" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	fs := flag.NewFlagSet("authd", flag.ContinueOnError)
	args := []string{"-addr", "flag-addr:7000", "-db", "/tmp/flag.db"}
	cfg, err := ParseConfig(fs, args, lookupFrom(map[string]string{
		"PASSKEY_HTTP_ADDR": "env-addr:9000",
	}))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "flag-addr:7000" {
		t.Fatalf("expected flag addr, got %q", cfg.Addr)
	}
	if cfg.DBPath != "/tmp/flag.db" {
		t.Fatalf("expected flag db path, got %q", cfg.DBPath)
	}
}
