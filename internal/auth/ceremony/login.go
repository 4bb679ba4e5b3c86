package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/challenge"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
)

// LoginStart is returned from the login begin calls. OptionsJSON carries the
// credential request options for the browser.
type LoginStart struct {
	ChallengeID string
	OptionsJSON json.RawMessage
}

// LoginResult is returned after a validated assertion.
type LoginResult struct {
	Account          account.Account
	CredentialID     string
	SessionToken     string
	SessionExpiresAt time.Time
}

// BeginLogin starts a login ceremony for a known username. Unknown usernames
// and accounts without usable credentials fail identically so the endpoint
// cannot be used to enumerate accounts.
func (s *Service) BeginLogin(ctx context.Context, rawUsername string) (LoginStart, error) {
	if err := s.ready(); err != nil {
		return LoginStart{}, err
	}

	var start LoginStart
	err := s.retryBusy(ctx, func() error {
		var err error
		start, err = s.beginLogin(ctx, rawUsername)
		return err
	})
	return start, err
}

func (s *Service) beginLogin(ctx context.Context, rawUsername string) (LoginStart, error) {
	username, err := account.NormalizeUsername(rawUsername)
	if err != nil {
		return LoginStart{}, errAccountUnavailable
	}

	acct, err := s.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return LoginStart{}, errAccountUnavailable
		}
		return LoginStart{}, fmt.Errorf("get account by username: %w", err)
	}

	user, err := s.loadCeremonyUser(ctx, acct)
	if err != nil {
		return LoginStart{}, fmt.Errorf("load ceremony user: %w", err)
	}
	if len(user.credentials) == 0 {
		return LoginStart{}, errAccountUnavailable
	}

	assertion, sessionData, err := s.provider.BeginLogin(user)
	if err != nil {
		return LoginStart{}, fmt.Errorf("begin login: %w", err)
	}

	sessionJSON, err := encodeSessionData(sessionData)
	if err != nil {
		return LoginStart{}, err
	}
	issued, err := s.challenges.Issue(ctx, challenge.KindLogin, acct.ID, sessionJSON)
	if err != nil {
		return LoginStart{}, err
	}

	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return LoginStart{}, fmt.Errorf("encode assertion options: %w", err)
	}
	return LoginStart{ChallengeID: issued.ID, OptionsJSON: optionsJSON}, nil
}

// FinishLogin validates an assertion for a username-first login and mints a
// session. The username must name the account the challenge was issued for.
func (s *Service) FinishLogin(ctx context.Context, rawUsername, challengeID string, assertionJSON []byte) (LoginResult, error) {
	if err := s.ready(); err != nil {
		return LoginResult{}, err
	}
	if strings.TrimSpace(challengeID) == "" {
		return LoginResult{}, fmt.Errorf("challenge id is required")
	}
	if len(assertionJSON) == 0 {
		return LoginResult{}, fmt.Errorf("assertion response json is required")
	}
	return s.finishLogin(ctx, rawUsername, challengeID, assertionJSON)
}

func (s *Service) finishLogin(ctx context.Context, rawUsername, challengeID string, assertionJSON []byte) (LoginResult, error) {
	var claimed storage.Challenge
	err := s.retryBusy(ctx, func() error {
		var err error
		claimed, err = s.challenges.Consume(ctx, challengeID, challenge.KindLogin)
		return err
	})
	if err != nil {
		return LoginResult{}, err
	}
	if claimed.AccountID == "" {
		return LoginResult{}, fmt.Errorf("login challenge missing account id")
	}

	acct, err := s.accounts.GetAccount(ctx, claimed.AccountID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("get account: %w", err)
	}
	username, err := account.NormalizeUsername(rawUsername)
	if err != nil {
		return LoginResult{}, errAuthenticationFailed
	}
	if username != acct.Username {
		return LoginResult{}, errAuthenticationFailed
	}
	user, err := s.loadCeremonyUser(ctx, acct)
	if err != nil {
		return LoginResult{}, fmt.Errorf("load ceremony user: %w", err)
	}

	sessionData, err := decodeSessionData(claimed.SessionJSON)
	if err != nil {
		return LoginResult{}, err
	}
	parsed, err := s.parser.ParseCredentialRequestResponseBytes(assertionJSON)
	if err != nil {
		return LoginResult{}, errAuthenticationFailed
	}

	validated, err := s.provider.ValidateLogin(user, sessionData, parsed)
	if err != nil {
		return LoginResult{}, errAuthenticationFailed
	}

	return s.completeLogin(ctx, acct, validated)
}

// BeginDiscoverableLogin starts a usernameless ceremony. No account is known
// until the authenticator reveals the user handle in the finish call.
func (s *Service) BeginDiscoverableLogin(ctx context.Context) (LoginStart, error) {
	if err := s.ready(); err != nil {
		return LoginStart{}, err
	}

	var start LoginStart
	err := s.retryBusy(ctx, func() error {
		var err error
		start, err = s.beginDiscoverableLogin(ctx)
		return err
	})
	return start, err
}

func (s *Service) beginDiscoverableLogin(ctx context.Context) (LoginStart, error) {
	assertion, sessionData, err := s.provider.BeginDiscoverableLogin()
	if err != nil {
		return LoginStart{}, fmt.Errorf("begin discoverable login: %w", err)
	}

	sessionJSON, err := encodeSessionData(sessionData)
	if err != nil {
		return LoginStart{}, err
	}
	issued, err := s.challenges.Issue(ctx, challenge.KindLoginDiscoverable, "", sessionJSON)
	if err != nil {
		return LoginStart{}, err
	}

	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return LoginStart{}, fmt.Errorf("encode assertion options: %w", err)
	}
	return LoginStart{ChallengeID: issued.ID, OptionsJSON: optionsJSON}, nil
}

// FinishDiscoverableLogin resolves the user handle from the assertion,
// validates it, and mints a session.
func (s *Service) FinishDiscoverableLogin(ctx context.Context, challengeID string, assertionJSON []byte) (LoginResult, error) {
	if err := s.ready(); err != nil {
		return LoginResult{}, err
	}
	if strings.TrimSpace(challengeID) == "" {
		return LoginResult{}, fmt.Errorf("challenge id is required")
	}
	if len(assertionJSON) == 0 {
		return LoginResult{}, fmt.Errorf("assertion response json is required")
	}

	return s.finishDiscoverableLogin(ctx, challengeID, assertionJSON)
}

func (s *Service) finishDiscoverableLogin(ctx context.Context, challengeID string, assertionJSON []byte) (LoginResult, error) {
	var claimed storage.Challenge
	err := s.retryBusy(ctx, func() error {
		var err error
		claimed, err = s.challenges.Consume(ctx, challengeID, challenge.KindLoginDiscoverable)
		return err
	})
	if err != nil {
		return LoginResult{}, err
	}

	sessionData, err := decodeSessionData(claimed.SessionJSON)
	if err != nil {
		return LoginResult{}, err
	}
	parsed, err := s.parser.ParseCredentialRequestResponseBytes(assertionJSON)
	if err != nil {
		return LoginResult{}, errAuthenticationFailed
	}

	validatedUser, validated, err := s.provider.ValidatePasskeyLogin(s.userHandler(ctx), sessionData, parsed)
	if err != nil {
		return LoginResult{}, errAuthenticationFailed
	}
	resolved, ok := validatedUser.(*ceremonyUser)
	if !ok {
		return LoginResult{}, fmt.Errorf("unexpected user type from passkey validation")
	}

	return s.completeLogin(ctx, resolved.account, validated)
}

// completeLogin is the shared tail of both login flows: reject revoked
// credentials, persist authenticator state, and mint the session. The
// challenge is already spent here, so each write retries on its own.
func (s *Service) completeLogin(ctx context.Context, acct account.Account, validated *webauthn.Credential) (LoginResult, error) {
	record, err := s.credentials.Find(ctx, validated.ID)
	if err != nil {
		return LoginResult{}, err
	}
	if record.AccountID != acct.ID {
		return LoginResult{}, errAuthenticationFailed
	}

	if err := s.retryBusy(ctx, func() error {
		return s.credentials.MarkUsed(ctx, validated)
	}); err != nil {
		return LoginResult{}, err
	}

	var minted storage.Session
	var token string
	err = s.retryBusy(ctx, func() error {
		var err error
		minted, token, err = s.sessions.Issue(ctx, acct.ID)
		return err
	})
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Account:          acct,
		CredentialID:     record.CredentialID,
		SessionToken:     token,
		SessionExpiresAt: minted.ExpiresAt,
	}, nil
}

// userHandler resolves an authenticator-supplied user handle to a ceremony
// user during discoverable login validation.
func (s *Service) userHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		accountID := string(userHandle)
		if strings.TrimSpace(accountID) == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		acct, err := s.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return s.loadCeremonyUser(ctx, acct)
	}
}
