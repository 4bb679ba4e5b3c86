// Package ceremony orchestrates the passkey registration, login, and
// recovery flows end to end.
package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/challenge"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/credential"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/recovery"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/session"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/id"
)

// errAccountUnavailable hides whether a username exists or has credentials.
var errAccountUnavailable = apperrors.New(apperrors.CodeAccountUnavailable, "account unavailable for login")

var errAuthenticationFailed = apperrors.New(apperrors.CodeAuthenticationFailed, "authentication failed")

// busyRetryDelay is the pause before the single retry on a busy store.
const busyRetryDelay = 50 * time.Millisecond

type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultPasskeyParser struct{}

func (defaultPasskeyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultPasskeyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service runs the ceremonies. Every exported operation is safe for
// concurrent use.
type Service struct {
	provider    passkeyProvider
	parser      passkeyParser
	accounts    storage.AccountStore
	challenges  *challenge.Service
	credentials *credential.Registry
	vault       *recovery.Vault
	sessions    *session.Issuer
	clock       func() time.Time
	generateID  func() (string, error)
}

// NewService wires the ceremony orchestrator.
func NewService(
	engine *webauthn.WebAuthn,
	accounts storage.AccountStore,
	challenges *challenge.Service,
	credentials *credential.Registry,
	vault *recovery.Vault,
	sessions *session.Issuer,
) *Service {
	return &Service{
		provider:    engine,
		parser:      defaultPasskeyParser{},
		accounts:    accounts,
		challenges:  challenges,
		credentials: credentials,
		vault:       vault,
		sessions:    sessions,
		clock:       time.Now,
		generateID:  id.NewID,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) withProvider(provider passkeyProvider) *Service {
	s.provider = provider
	return s
}

func (s *Service) withParser(parser passkeyParser) *Service {
	s.parser = parser
	return s
}

func (s *Service) ready() error {
	if s == nil {
		return fmt.Errorf("ceremony service is not configured")
	}
	if s.provider == nil {
		return fmt.Errorf("passkey provider is not configured")
	}
	if s.parser == nil {
		return fmt.Errorf("passkey parser is not configured")
	}
	if s.accounts == nil || s.challenges == nil || s.credentials == nil || s.vault == nil || s.sessions == nil {
		return fmt.Errorf("ceremony dependencies are not configured")
	}
	return nil
}

// retryBusy runs fn and retries exactly once when the store reports
// transient contention.
func (s *Service) retryBusy(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, storage.ErrBusy) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(busyRetryDelay):
	}
	return fn()
}

// ceremonyUser adapts an account and its decoded credentials to the
// webauthn user contract. The account id is the stable user handle.
type ceremonyUser struct {
	account     account.Account
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.account.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.account.Username
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.account.Username
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) loadCeremonyUser(ctx context.Context, acct account.Account) (*ceremonyUser, error) {
	credentials, err := s.credentials.WebAuthnCredentials(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{account: acct, credentials: credentials}, nil
}

func encodeSessionData(data *webauthn.SessionData) (string, error) {
	if data == nil {
		return "", fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode session data: %w", err)
	}
	return string(payload), nil
}

func decodeSessionData(sessionJSON string) (webauthn.SessionData, error) {
	var data webauthn.SessionData
	if err := json.Unmarshal([]byte(sessionJSON), &data); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("decode session data: %w", err)
	}
	return data, nil
}
