package ceremony

import (
	"context"
	"errors"
	"fmt"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
)

// ListPasskeys returns the active credentials of an account for the
// management surface.
func (s *Service) ListPasskeys(ctx context.Context, accountID string) ([]storage.Credential, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.credentials.ListActive(ctx, accountID)
}

// RevokePasskey removes one credential after an ownership check.
func (s *Service) RevokePasskey(ctx context.Context, accountID, credentialID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.retryBusy(ctx, func() error {
		return s.credentials.Revoke(ctx, accountID, credentialID)
	})
}

// RevokeResult summarizes an administrative revocation.
type RevokeResult struct {
	Account            account.Account
	CredentialsRevoked int
}

// RevokeAllForUsername is the administrative kill switch: it revokes every
// credential and invalidates unused recovery codes for the account.
func (s *Service) RevokeAllForUsername(ctx context.Context, rawUsername string) (RevokeResult, error) {
	if err := s.ready(); err != nil {
		return RevokeResult{}, err
	}

	username, err := account.NormalizeUsername(rawUsername)
	if err != nil {
		return RevokeResult{}, err
	}
	acct, err := s.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return RevokeResult{}, errAccountUnavailable
		}
		return RevokeResult{}, fmt.Errorf("get account by username: %w", err)
	}

	var revoked int
	err = s.retryBusy(ctx, func() error {
		var err error
		revoked, err = s.credentials.RevokeAllForAccount(ctx, acct.ID)
		return err
	})
	if err != nil {
		return RevokeResult{}, err
	}
	if err := s.vault.RevokeAll(ctx, acct.ID); err != nil {
		return RevokeResult{}, err
	}

	return RevokeResult{Account: acct, CredentialsRevoked: revoked}, nil
}

// ListAccounts pages through registered accounts for the administrative
// surface.
func (s *Service) ListAccounts(ctx context.Context, pageSize int, pageToken string) (storage.AccountPage, error) {
	if err := s.ready(); err != nil {
		return storage.AccountPage{}, err
	}
	page, err := s.accounts.ListAccounts(ctx, pageSize, pageToken)
	if err != nil {
		return storage.AccountPage{}, fmt.Errorf("list accounts: %w", err)
	}
	return page, nil
}
