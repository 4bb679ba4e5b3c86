package ceremony

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"golang.org/x/crypto/bcrypt"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/challenge"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/credential"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/recovery"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/session"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
)

// memStore implements every storage interface in memory for ceremony tests.
type memStore struct {
	mu            sync.Mutex
	accounts      map[string]account.Account
	credentials   map[string]storage.Credential
	challenges    map[string]storage.Challenge
	recoveryCodes map[string]storage.RecoveryCode
	sessions      map[string]storage.Session
}

func newMemStore() *memStore {
	return &memStore{
		accounts:      make(map[string]account.Account),
		credentials:   make(map[string]storage.Credential),
		challenges:    make(map[string]storage.Challenge),
		recoveryCodes: make(map[string]storage.RecoveryCode),
		sessions:      make(map[string]storage.Session),
	}
}

func (m *memStore) PutAccount(ctx context.Context, acct account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.accounts {
		if existing.Username == acct.Username && id != acct.ID {
			return storage.ErrConflict
		}
	}
	m.accounts[acct.ID] = acct
	return nil
}

func (m *memStore) GetAccount(ctx context.Context, accountID string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (m *memStore) GetAccountByUsername(ctx context.Context, username string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range m.accounts {
		if acct.Username == username {
			return acct, nil
		}
	}
	return account.Account{}, storage.ErrNotFound
}

func (m *memStore) ListAccounts(ctx context.Context, pageSize int, pageToken string) (storage.AccountPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []account.Account
	for _, acct := range m.accounts {
		if acct.Username > pageToken {
			all = append(all, acct)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Username < all[j].Username })
	page := storage.AccountPage{}
	for _, acct := range all {
		if pageSize > 0 && len(page.Accounts) == pageSize {
			page.NextPageToken = page.Accounts[len(page.Accounts)-1].Username
			break
		}
		page.Accounts = append(page.Accounts, acct)
	}
	return page, nil
}

func (m *memStore) InsertCredential(ctx context.Context, cred storage.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[cred.CredentialID]; ok {
		return storage.ErrConflict
	}
	m.credentials[cred.CredentialID] = cred
	return nil
}

func (m *memStore) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return cred, nil
}

func (m *memStore) ListCredentialsByAccount(ctx context.Context, accountID string) ([]storage.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Credential
	for _, cred := range m.credentials {
		if cred.AccountID == accountID {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (m *memStore) UpdateCredentialJSON(ctx context.Context, credentialID string, credentialJSON string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	cred.CredentialJSON = credentialJSON
	cred.UpdatedAt = usedAt
	cred.LastUsedAt = &usedAt
	m.credentials[credentialID] = cred
	return nil
}

func (m *memStore) RevokeCredential(ctx context.Context, credentialID string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if cred.RevokedAt == nil {
		cred.RevokedAt = &revokedAt
		m.credentials[credentialID] = cred
	}
	return nil
}

func (m *memStore) PutChallenge(ctx context.Context, ch storage.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[ch.ID] = ch
	return nil
}

func (m *memStore) ConsumeChallenge(ctx context.Context, challengeID string, consumedAt time.Time) (storage.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[challengeID]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	if ch.ConsumedAt != nil {
		return storage.Challenge{}, storage.ErrConflict
	}
	ch.ConsumedAt = &consumedAt
	m.challenges[challengeID] = ch
	return ch, nil
}

func (m *memStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.challenges {
		if ch.ExpiresAt.Before(now) {
			delete(m.challenges, id)
		}
	}
	return nil
}

func (m *memStore) InsertRecoveryCodes(ctx context.Context, codes []storage.RecoveryCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range codes {
		m.recoveryCodes[code.ID] = code
	}
	return nil
}

func (m *memStore) ListActiveRecoveryCodes(ctx context.Context, accountID string) ([]storage.RecoveryCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RecoveryCode
	for _, code := range m.recoveryCodes {
		if code.AccountID == accountID && code.UsedAt == nil {
			out = append(out, code)
		}
	}
	return out, nil
}

func (m *memStore) MarkRecoveryCodeUsed(ctx context.Context, codeID string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.recoveryCodes[codeID]
	if !ok {
		return storage.ErrNotFound
	}
	if code.UsedAt != nil {
		return storage.ErrConflict
	}
	code.UsedAt = &usedAt
	m.recoveryCodes[codeID] = code
	return nil
}

func (m *memStore) DeleteUnusedRecoveryCodes(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, code := range m.recoveryCodes {
		if code.AccountID == accountID && code.UsedAt == nil {
			delete(m.recoveryCodes, id)
		}
	}
	return nil
}

func (m *memStore) PutSession(ctx context.Context, sess storage.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memStore) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (m *memStore) RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if sess.RevokedAt == nil {
		sess.RevokedAt = &revokedAt
		m.sessions[sessionID] = sess
	}
	return nil
}

// stubProvider replaces the webauthn engine. It hands back the configured
// credential instead of verifying real attestations.
type stubProvider struct {
	credential  *webauthn.Credential
	beginErr    error
	validateErr error
}

func (p *stubProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	if p.beginErr != nil {
		return nil, nil, p.beginErr
	}
	return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: "stub-challenge", UserID: user.WebAuthnID()}, nil
}

func (p *stubProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if p.validateErr != nil {
		return nil, p.validateErr
	}
	return p.credential, nil
}

func (p *stubProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if p.beginErr != nil {
		return nil, nil, p.beginErr
	}
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "stub-challenge", UserID: user.WebAuthnID()}, nil
}

func (p *stubProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if p.validateErr != nil {
		return nil, p.validateErr
	}
	return p.credential, nil
}

func (p *stubProvider) BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if p.beginErr != nil {
		return nil, nil, p.beginErr
	}
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "stub-challenge"}, nil
}

func (p *stubProvider) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	if p.validateErr != nil {
		return nil, nil, p.validateErr
	}
	user, err := handler(nil, p.credential.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, p.credential, nil
}

type stubParser struct{}

func (stubParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (stubParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return &protocol.ParsedCredentialAssertionData{}, nil
}

// userHandleProvider routes discoverable validation through the account id
// user handle instead of the credential id.
type userHandleProvider struct {
	stubProvider
	userHandle []byte
}

func (p *userHandleProvider) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	if p.validateErr != nil {
		return nil, nil, p.validateErr
	}
	user, err := handler(nil, p.userHandle)
	if err != nil {
		return nil, nil, err
	}
	return user, p.credential, nil
}

// ceremonyStore is everything the service wiring needs from a fake store.
type ceremonyStore interface {
	storage.AccountStore
	storage.CredentialStore
	storage.ChallengeStore
	storage.RecoveryCodeStore
	storage.SessionStore
}

func testService(t *testing.T, store ceremonyStore, provider passkeyProvider) *Service {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	challenges := challenge.NewService(store, 2*time.Minute).WithClock(clock)
	credentials := credential.NewRegistry(store).WithClock(clock)
	vault := recovery.NewVault(store).WithClock(clock).WithCost(bcrypt.MinCost)
	issuer, err := session.NewIssuer(store, "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	issuer.WithClock(clock)

	return NewService(nil, store, challenges, credentials, vault, issuer).
		WithClock(clock).
		withProvider(provider).
		withParser(stubParser{})
}

func registerAccount(t *testing.T, service *Service, username string) RegistrationResult {
	t.Helper()
	ctx := context.Background()
	start, err := service.BeginRegistration(ctx, username, "")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	result, err := service.FinishRegistration(ctx, username, start.ChallengeID, []byte(`{"stub":true}`), "test key")
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	return result
}

func TestRegistrationFlow(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)

	result := registerAccount(t, service, "Alice")
	if result.Account.Username != "alice" {
		t.Fatalf("username = %q, want normalized alice", result.Account.Username)
	}
	if result.CredentialID != credential.EncodeCredentialID([]byte("cred-raw-1")) {
		t.Fatalf("credential id = %q", result.CredentialID)
	}
	if result.SessionToken == "" {
		t.Fatalf("expected session token")
	}
	if len(result.RecoveryCodes) != recovery.DefaultBatchSize {
		t.Fatalf("recovery codes = %d, want %d", len(result.RecoveryCodes), recovery.DefaultBatchSize)
	}
}

func TestSecondRegistrationSkipsRecoveryCodes(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)

	registerAccount(t, service, "alice")

	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	result := registerAccount(t, service, "alice")
	if len(result.RecoveryCodes) != 0 {
		t.Fatalf("recovery codes = %d, want 0 on second credential", len(result.RecoveryCodes))
	}

	passkeys, err := service.ListPasskeys(context.Background(), result.Account.ID)
	if err != nil {
		t.Fatalf("list passkeys: %v", err)
	}
	if len(passkeys) != 2 {
		t.Fatalf("passkeys = %d, want 2", len(passkeys))
	}
}

func TestFinishRegistrationReplay(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	start, err := service.BeginRegistration(ctx, "alice", "")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if _, err := service.FinishRegistration(ctx, "alice", start.ChallengeID, []byte(`{}`), ""); err != nil {
		t.Fatalf("finish registration: %v", err)
	}

	_, err = service.FinishRegistration(ctx, "alice", start.ChallengeID, []byte(`{}`), "")
	if apperrors.GetCode(err) != apperrors.CodeChallengeAlreadyUsed {
		t.Fatalf("code = %q, want already used (err: %v)", apperrors.GetCode(err), err)
	}
}

func TestFinishRegistrationRejectsForeignUsername(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	registerAccount(t, service, "mallory")

	start, err := service.BeginRegistration(ctx, "alice", "")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	_, err = service.FinishRegistration(ctx, "mallory", start.ChallengeID, []byte(`{}`), "")
	if apperrors.GetCode(err) != apperrors.CodeAuthenticationFailed {
		t.Fatalf("code = %q, want authentication failed (err: %v)", apperrors.GetCode(err), err)
	}
}

func TestBeginLoginHidesAccountState(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	// Known account with zero credentials.
	acct, err := account.CreateAccount("bob", nil, nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := store.PutAccount(ctx, acct); err != nil {
		t.Fatalf("put account: %v", err)
	}

	for _, username := range []string{"missing-user", "bob"} {
		_, err := service.BeginLogin(ctx, username)
		if apperrors.GetCode(err) != apperrors.CodeAccountUnavailable {
			t.Fatalf("BeginLogin(%q) code = %q, want account unavailable (err: %v)", username, apperrors.GetCode(err), err)
		}
	}
}

func TestLoginFlow(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registered := registerAccount(t, service, "alice")

	start, err := service.BeginLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	result, err := service.FinishLogin(ctx, "alice", start.ChallengeID, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish login: %v", err)
	}
	if result.Account.ID != registered.Account.ID {
		t.Fatalf("account id = %q, want %q", result.Account.ID, registered.Account.ID)
	}
	if result.SessionToken == "" {
		t.Fatalf("expected session token")
	}

	record, err := store.GetCredential(ctx, result.CredentialID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if record.LastUsedAt == nil {
		t.Fatalf("expected credential marked used")
	}
}

func TestFinishLoginRejectsRevokedCredential(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registered := registerAccount(t, service, "alice")

	start, err := service.BeginLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	if err := service.RevokePasskey(ctx, registered.Account.ID, registered.CredentialID); err != nil {
		t.Fatalf("revoke passkey: %v", err)
	}

	_, err = service.FinishLogin(ctx, "alice", start.ChallengeID, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodeCredentialNotFound {
		t.Fatalf("code = %q, want credential not found (err: %v)", apperrors.GetCode(err), err)
	}
}

func TestFinishLoginRejectsForeignUsername(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registerAccount(t, service, "alice")
	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	registerAccount(t, service, "mallory")
	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-1")}

	start, err := service.BeginLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	_, err = service.FinishLogin(ctx, "mallory", start.ChallengeID, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodeAuthenticationFailed {
		t.Fatalf("code = %q, want authentication failed (err: %v)", apperrors.GetCode(err), err)
	}
}

func TestDiscoverableLoginFlow(t *testing.T) {
	store := newMemStore()
	base := stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	provider := &userHandleProvider{stubProvider: base}
	service := testService(t, store, provider)
	ctx := context.Background()

	registered := registerAccount(t, service, "alice")
	provider.userHandle = []byte(registered.Account.ID)

	start, err := service.BeginDiscoverableLogin(ctx)
	if err != nil {
		t.Fatalf("begin discoverable login: %v", err)
	}
	result, err := service.FinishDiscoverableLogin(ctx, start.ChallengeID, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish discoverable login: %v", err)
	}
	if result.Account.Username != "alice" {
		t.Fatalf("username = %q, want alice", result.Account.Username)
	}
	if result.SessionToken == "" {
		t.Fatalf("expected session token")
	}
}

func TestRecoveryFlow(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registered := registerAccount(t, service, "alice")
	if len(registered.RecoveryCodes) == 0 {
		t.Fatalf("expected recovery codes from registration")
	}

	start, err := service.BeginRecovery(ctx, "alice", registered.RecoveryCodes[0])
	if err != nil {
		t.Fatalf("begin recovery: %v", err)
	}
	if start.RemainingCodes != recovery.DefaultBatchSize-1 {
		t.Fatalf("remaining = %d, want %d", start.RemainingCodes, recovery.DefaultBatchSize-1)
	}

	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	result, err := service.FinishRegistration(ctx, "alice", start.ChallengeID, []byte(`{}`), "replacement key")
	if err != nil {
		t.Fatalf("finish recovery registration: %v", err)
	}
	// Codes remain, so no replacement batch is minted.
	if len(result.RecoveryCodes) != 0 {
		t.Fatalf("recovery codes = %d, want 0 while codes remain", len(result.RecoveryCodes))
	}
}

func TestRecoveryReissuesBatchWhenExhausted(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registered := registerAccount(t, service, "alice")

	// Spend every code but the last outside the ceremony.
	for _, code := range registered.RecoveryCodes[:len(registered.RecoveryCodes)-1] {
		vault := recovery.NewVault(store).WithCost(bcrypt.MinCost)
		if _, err := vault.Consume(ctx, registered.Account.ID, code); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}

	last := registered.RecoveryCodes[len(registered.RecoveryCodes)-1]
	start, err := service.BeginRecovery(ctx, "alice", last)
	if err != nil {
		t.Fatalf("begin recovery: %v", err)
	}
	if start.RemainingCodes != 0 {
		t.Fatalf("remaining = %d, want 0", start.RemainingCodes)
	}

	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	result, err := service.FinishRegistration(ctx, "alice", start.ChallengeID, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("finish recovery registration: %v", err)
	}
	if len(result.RecoveryCodes) != recovery.DefaultBatchSize {
		t.Fatalf("recovery codes = %d, want fresh batch of %d", len(result.RecoveryCodes), recovery.DefaultBatchSize)
	}
}

func TestBeginRecoveryFailuresAreUniform(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registerAccount(t, service, "alice")

	tests := []struct {
		name     string
		username string
		code     string
	}{
		{"unknown account", "nobody", "ZZZZ-ZZZZ"},
		{"wrong code", "alice", "ZZZZ-ZZZZ"},
		{"invalid username", "!!", "ZZZZ-ZZZZ"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.BeginRecovery(ctx, tc.username, tc.code)
			if apperrors.GetCode(err) != apperrors.CodeRecoveryFailed {
				t.Fatalf("code = %q, want recovery failed (err: %v)", apperrors.GetCode(err), err)
			}
		})
	}
}

func TestRevokePasskeyOwnership(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	alice := registerAccount(t, service, "alice")
	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	bob := registerAccount(t, service, "bob")

	err := service.RevokePasskey(ctx, bob.Account.ID, alice.CredentialID)
	if apperrors.GetCode(err) != apperrors.CodeCredentialNotOwner {
		t.Fatalf("code = %q, want not owner (err: %v)", apperrors.GetCode(err), err)
	}
}

func TestRevokeAllForUsername(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registered := registerAccount(t, service, "alice")
	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	registerAccount(t, service, "alice")

	result, err := service.RevokeAllForUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if result.CredentialsRevoked != 2 {
		t.Fatalf("revoked = %d, want 2", result.CredentialsRevoked)
	}

	remaining, err := store.ListActiveRecoveryCodes(ctx, registered.Account.ID)
	if err != nil {
		t.Fatalf("list recovery codes: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("active recovery codes = %d, want 0", len(remaining))
	}

	_, err = service.BeginLogin(ctx, "alice")
	if apperrors.GetCode(err) != apperrors.CodeAccountUnavailable {
		t.Fatalf("code = %q, want account unavailable after revocation (err: %v)", apperrors.GetCode(err), err)
	}
}

// busyOnceStore reports transient contention a set number of times on the
// overridden writes, then recovers.
type busyOnceStore struct {
	*memStore
	insertBusy int
	updateBusy int
}

func (b *busyOnceStore) InsertCredential(ctx context.Context, cred storage.Credential) error {
	if b.insertBusy > 0 {
		b.insertBusy--
		return storage.ErrBusy
	}
	return b.memStore.InsertCredential(ctx, cred)
}

func (b *busyOnceStore) UpdateCredentialJSON(ctx context.Context, credentialID string, credentialJSON string, usedAt time.Time) error {
	if b.updateBusy > 0 {
		b.updateBusy--
		return storage.ErrBusy
	}
	return b.memStore.UpdateCredentialJSON(ctx, credentialID, credentialJSON, usedAt)
}

func TestFinishRegistrationRetriesBusyWrite(t *testing.T) {
	store := &busyOnceStore{memStore: newMemStore(), insertBusy: 1}
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	start, err := service.BeginRegistration(ctx, "alice", "")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	result, err := service.FinishRegistration(ctx, "alice", start.ChallengeID, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("finish should ride out one busy credential write: %v", err)
	}
	if result.SessionToken == "" {
		t.Fatalf("expected session token")
	}
}

func TestFinishLoginRetriesBusyWrite(t *testing.T) {
	store := &busyOnceStore{memStore: newMemStore()}
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registerAccount(t, service, "alice")

	start, err := service.BeginLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	store.updateBusy = 1
	result, err := service.FinishLogin(ctx, "alice", start.ChallengeID, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish should ride out one busy usage write: %v", err)
	}
	if result.SessionToken == "" {
		t.Fatalf("expected session token")
	}
}

func TestListAccounts(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{credential: &webauthn.Credential{ID: []byte("cred-raw-1")}}
	service := testService(t, store, provider)
	ctx := context.Background()

	registerAccount(t, service, "alice")
	provider.credential = &webauthn.Credential{ID: []byte("cred-raw-2")}
	registerAccount(t, service, "bob")

	page, err := service.ListAccounts(ctx, 10, "")
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(page.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(page.Accounts))
	}
}
