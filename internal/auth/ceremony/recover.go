package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/challenge"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/recovery"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
)

// RecoveryStart is returned when a recovery code is redeemed. The caller
// completes the flow through the registration finish path with the returned
// challenge.
type RecoveryStart struct {
	ChallengeID    string
	OptionsJSON    json.RawMessage
	RemainingCodes int
}

// BeginRecovery redeems a recovery code and opens a registration ceremony
// for a replacement passkey. Unknown usernames, wrong codes, and spent codes
// all fail with the same error.
func (s *Service) BeginRecovery(ctx context.Context, rawUsername, code string) (RecoveryStart, error) {
	if err := s.ready(); err != nil {
		return RecoveryStart{}, err
	}

	return s.beginRecovery(ctx, rawUsername, code)
}

func (s *Service) beginRecovery(ctx context.Context, rawUsername, code string) (RecoveryStart, error) {
	username, err := account.NormalizeUsername(rawUsername)
	if err != nil {
		return RecoveryStart{}, recovery.ErrRecoveryFailed
	}

	acct, err := s.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return RecoveryStart{}, recovery.ErrRecoveryFailed
		}
		return RecoveryStart{}, fmt.Errorf("get account by username: %w", err)
	}

	// The code is spent on success, so only the consume itself may retry.
	var remaining int
	err = s.retryBusy(ctx, func() error {
		var err error
		remaining, err = s.vault.Consume(ctx, acct.ID, code)
		return err
	})
	if err != nil {
		return RecoveryStart{}, err
	}

	user, err := s.loadCeremonyUser(ctx, acct)
	if err != nil {
		return RecoveryStart{}, fmt.Errorf("load ceremony user: %w", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	creation, sessionData, err := s.provider.BeginRegistration(user, options...)
	if err != nil {
		return RecoveryStart{}, fmt.Errorf("begin recovery registration: %w", err)
	}

	sessionJSON, err := encodeSessionData(sessionData)
	if err != nil {
		return RecoveryStart{}, err
	}
	var issued storage.Challenge
	err = s.retryBusy(ctx, func() error {
		var err error
		issued, err = s.challenges.Issue(ctx, challenge.KindRecover, acct.ID, sessionJSON)
		return err
	})
	if err != nil {
		return RecoveryStart{}, err
	}

	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		return RecoveryStart{}, fmt.Errorf("encode creation options: %w", err)
	}
	return RecoveryStart{
		ChallengeID:    issued.ID,
		OptionsJSON:    optionsJSON,
		RemainingCodes: remaining,
	}, nil
}
