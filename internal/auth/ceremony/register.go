package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/challenge"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/recovery"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
)

// RegistrationStart is returned from BeginRegistration. OptionsJSON carries
// the credential creation options for the browser.
type RegistrationStart struct {
	ChallengeID string
	OptionsJSON json.RawMessage
}

// RegistrationResult is returned from FinishRegistration. RecoveryCodes is
// populated only when a fresh batch was minted; this is the single time the
// plaintext codes exist.
type RegistrationResult struct {
	Account       account.Account
	CredentialID  string
	SessionToken  string
	RecoveryCodes []string
}

// BeginRegistration starts a registration ceremony for a username, creating
// the account on first contact. The attachment hint is "platform",
// "cross-platform", or empty for no preference.
func (s *Service) BeginRegistration(ctx context.Context, rawUsername, attachmentHint string) (RegistrationStart, error) {
	if err := s.ready(); err != nil {
		return RegistrationStart{}, err
	}

	var start RegistrationStart
	err := s.retryBusy(ctx, func() error {
		var err error
		start, err = s.beginRegistration(ctx, rawUsername, attachmentHint)
		return err
	})
	return start, err
}

func (s *Service) beginRegistration(ctx context.Context, rawUsername, attachmentHint string) (RegistrationStart, error) {
	acct, err := s.getOrCreateAccount(ctx, rawUsername)
	if err != nil {
		return RegistrationStart{}, err
	}

	user, err := s.loadCeremonyUser(ctx, acct)
	if err != nil {
		return RegistrationStart{}, fmt.Errorf("load ceremony user: %w", err)
	}

	// Resident keys are required so every passkey works for usernameless
	// login.
	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}
	if selection, ok := attachmentSelection(attachmentHint); ok {
		options = append(options, webauthn.WithAuthenticatorSelection(selection))
	}

	creation, sessionData, err := s.provider.BeginRegistration(user, options...)
	if err != nil {
		return RegistrationStart{}, fmt.Errorf("begin registration: %w", err)
	}

	sessionJSON, err := encodeSessionData(sessionData)
	if err != nil {
		return RegistrationStart{}, err
	}
	issued, err := s.challenges.Issue(ctx, challenge.KindRegister, acct.ID, sessionJSON)
	if err != nil {
		return RegistrationStart{}, err
	}

	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		return RegistrationStart{}, fmt.Errorf("encode creation options: %w", err)
	}
	return RegistrationStart{ChallengeID: issued.ID, OptionsJSON: optionsJSON}, nil
}

// FinishRegistration validates the authenticator's attestation and stores
// the new credential. The username must name the account the challenge was
// issued for. It also completes the registration step of account recovery,
// which rides on the same browser flow.
func (s *Service) FinishRegistration(ctx context.Context, rawUsername, challengeID string, credentialJSON []byte, label string) (RegistrationResult, error) {
	if err := s.ready(); err != nil {
		return RegistrationResult{}, err
	}
	if strings.TrimSpace(challengeID) == "" {
		return RegistrationResult{}, fmt.Errorf("challenge id is required")
	}
	if len(credentialJSON) == 0 {
		return RegistrationResult{}, fmt.Errorf("credential response json is required")
	}
	return s.finishRegistration(ctx, rawUsername, challengeID, credentialJSON, label)
}

func (s *Service) finishRegistration(ctx context.Context, rawUsername, challengeID string, credentialJSON []byte, label string) (RegistrationResult, error) {
	var claimed storage.Challenge
	err := s.retryBusy(ctx, func() error {
		var err error
		claimed, err = s.challenges.Consume(ctx, challengeID, challenge.KindRegister, challenge.KindRecover)
		return err
	})
	if err != nil {
		return RegistrationResult{}, err
	}
	if claimed.AccountID == "" {
		return RegistrationResult{}, fmt.Errorf("registration challenge missing account id")
	}

	acct, err := s.accounts.GetAccount(ctx, claimed.AccountID)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("get account: %w", err)
	}
	username, err := account.NormalizeUsername(rawUsername)
	if err != nil {
		return RegistrationResult{}, err
	}
	if username != acct.Username {
		return RegistrationResult{}, errAuthenticationFailed
	}

	user, err := s.loadCeremonyUser(ctx, acct)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("load ceremony user: %w", err)
	}
	sessionData, err := decodeSessionData(claimed.SessionJSON)
	if err != nil {
		return RegistrationResult{}, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(credentialJSON)
	if err != nil {
		return RegistrationResult{}, errAuthenticationFailed
	}
	validated, err := s.provider.CreateCredential(user, sessionData, parsed)
	if err != nil {
		return RegistrationResult{}, errAuthenticationFailed
	}

	// The challenge is spent; each remaining write retries on its own so a
	// busy store cannot force the whole ceremony to restart.
	firstCredential := len(user.credentials) == 0
	var record storage.Credential
	err = s.retryBusy(ctx, func() error {
		var err error
		record, err = s.credentials.Register(ctx, acct.ID, validated, label, true)
		return err
	})
	if err != nil {
		return RegistrationResult{}, err
	}

	var codes []string
	err = s.retryBusy(ctx, func() error {
		var err error
		codes, err = s.recoveryCodesAfterRegistration(ctx, acct.ID, challenge.Kind(claimed.Kind), firstCredential)
		return err
	})
	if err != nil {
		return RegistrationResult{}, err
	}

	var token string
	err = s.retryBusy(ctx, func() error {
		var err error
		_, token, err = s.sessions.Issue(ctx, acct.ID)
		return err
	})
	if err != nil {
		return RegistrationResult{}, err
	}

	return RegistrationResult{
		Account:       acct,
		CredentialID:  record.CredentialID,
		SessionToken:  token,
		RecoveryCodes: codes,
	}, nil
}

// recoveryCodesAfterRegistration decides whether finishing this registration
// mints recovery codes. First-ever registration always does; recovery mints a
// replacement batch only when the account has none left.
func (s *Service) recoveryCodesAfterRegistration(ctx context.Context, accountID string, kind challenge.Kind, firstCredential bool) ([]string, error) {
	switch kind {
	case challenge.KindRegister:
		if !firstCredential {
			return nil, nil
		}
	case challenge.KindRecover:
		remaining, err := s.vault.Remaining(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			return nil, nil
		}
	default:
		return nil, nil
	}

	batch, err := s.vault.IssueBatch(ctx, accountID, recovery.DefaultBatchSize)
	if err != nil {
		return nil, err
	}
	return batch.Codes, nil
}

func (s *Service) getOrCreateAccount(ctx context.Context, rawUsername string) (account.Account, error) {
	username, err := account.NormalizeUsername(rawUsername)
	if err != nil {
		return account.Account{}, err
	}

	existing, err := s.accounts.GetAccountByUsername(ctx, username)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return account.Account{}, fmt.Errorf("get account by username: %w", err)
	}

	created, err := account.CreateAccount(username, s.clock, s.generateID)
	if err != nil {
		return account.Account{}, err
	}
	if err := s.accounts.PutAccount(ctx, created); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent registration created the account first.
			return s.accounts.GetAccountByUsername(ctx, username)
		}
		return account.Account{}, fmt.Errorf("put account: %w", err)
	}
	return created, nil
}

func attachmentSelection(hint string) (protocol.AuthenticatorSelection, bool) {
	selection := protocol.AuthenticatorSelection{
		ResidentKey:        protocol.ResidentKeyRequirementRequired,
		RequireResidentKey: protocol.ResidentKeyRequired(),
		UserVerification:   protocol.VerificationPreferred,
	}
	switch strings.TrimSpace(strings.ToLower(hint)) {
	case "platform":
		selection.AuthenticatorAttachment = protocol.Platform
	case "cross-platform":
		selection.AuthenticatorAttachment = protocol.CrossPlatform
	case "":
		return protocol.AuthenticatorSelection{}, false
	default:
		return protocol.AuthenticatorSelection{}, false
	}
	return selection, true
}
