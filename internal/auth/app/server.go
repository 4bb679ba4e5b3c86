// Package app assembles the storage, services, and HTTP surface of the
// authentication server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/api/httpapi"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/ceremony"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/challenge"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/credential"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/passkey"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/recovery"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/session"
	authsqlite "github.com/stephenp0320/passwordless-auth-system/internal/auth/storage/sqlite"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/otel"
)

const challengeSweepInterval = time.Minute

// Server hosts the authentication service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *authsqlite.Store
	challenges *challenge.Service
	shutdown   func(context.Context) error
	log        *slog.Logger
}

// New creates a configured server listening on addr. dbPath falls back to
// the PASSKEY_DB_PATH env var, then data/auth.db.
func New(ctx context.Context, addr, dbPath string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	store, err := openStore(dbPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	passkeyConfig, err := passkey.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	engine, err := passkey.NewWebAuthn(passkeyConfig)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	sessionConfig, err := session.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	if strings.TrimSpace(sessionConfig.Secret) == "" {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("PASSKEY_SESSION_SECRET is required")
	}

	logger := slog.Default()
	challenges := challenge.NewService(store, passkeyConfig.ChallengeTTL)
	credentials := credential.NewRegistry(store)
	vault := recovery.NewVault(store)
	sessions, err := session.NewIssuer(store, sessionConfig.Secret, sessionConfig.TTL)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	ceremonies := ceremony.NewService(engine, store, challenges, credentials, vault, sessions)
	handler := httpapi.New(logger, ceremonies, sessions, os.Getenv("PASSKEY_ADMIN_TOKEN"))

	shutdownTracing, err := otel.Setup(ctx, "authd")
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler.Router(), ReadHeaderTimeout: 10 * time.Second},
		store:      store,
		challenges: challenges,
		shutdown:   shutdownTracing,
		log:        logger,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves the server until the context ends.
func Run(ctx context.Context, addr, dbPath string) error {
	server, err := New(ctx, addr, dbPath)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	s.challenges.StartCleanup(serverCtx, challengeSweepInterval, func(err error) {
		s.log.Error("challenge sweep", "err", err)
	})

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
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

func openStore(dbPath string) (*authsqlite.Store, error) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("PASSKEY_DB_PATH"))
	}
	if path == "" {
		path = filepath.Join("data", "auth.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := authsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) close() {
	if s == nil {
		return
	}
	if s.shutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}
