// Package recovery issues and redeems single-use account recovery codes.
package recovery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/id"
)

// DefaultBatchSize is the number of codes issued per batch.
const DefaultBatchSize = 10

// codeAlphabet avoids characters that read ambiguously when written down.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeGroupLen = 4

// ErrRecoveryFailed is the single failure surfaced to callers. Unknown
// accounts, wrong codes, and spent codes are indistinguishable on purpose.
var ErrRecoveryFailed = apperrors.New(apperrors.CodeRecoveryFailed, "recovery failed")

// Batch is the one-time view of freshly issued plaintext codes.
type Batch struct {
	BatchID string
	Codes   []string
}

// Vault stores recovery codes hashed and enforces single use.
type Vault struct {
	store      storage.RecoveryCodeStore
	clock      func() time.Time
	generateID func() (string, error)
	cost       int
}

// NewVault creates a vault backed by the given store.
func NewVault(store storage.RecoveryCodeStore) *Vault {
	return &Vault{
		store:      store,
		clock:      time.Now,
		generateID: id.NewID,
		cost:       bcrypt.DefaultCost,
	}
}

// WithClock overrides the time source. Used by tests.
func (v *Vault) WithClock(clock func() time.Time) *Vault {
	v.clock = clock
	return v
}

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (v *Vault) WithCost(cost int) *Vault {
	v.cost = cost
	return v
}

// Normalize canonicalizes user input before comparison. Codes survive being
// lowercased or retyped with different separators.
func Normalize(raw string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	return cleaned
}

// Format renders a normalized code in its display form.
func Format(normalized string) string {
	if len(normalized) <= codeGroupLen {
		return normalized
	}
	var groups []string
	for start := 0; start < len(normalized); start += codeGroupLen {
		end := start + codeGroupLen
		if end > len(normalized) {
			end = len(normalized)
		}
		groups = append(groups, normalized[start:end])
	}
	return strings.Join(groups, "-")
}

// IssueBatch generates count fresh codes for an account and stores only their
// hashes. The returned plaintext is shown to the user exactly once.
func (v *Vault) IssueBatch(ctx context.Context, accountID string, count int) (Batch, error) {
	if v == nil || v.store == nil {
		return Batch{}, fmt.Errorf("recovery vault is not configured")
	}
	if strings.TrimSpace(accountID) == "" {
		return Batch{}, fmt.Errorf("account id is required")
	}
	if count <= 0 {
		count = DefaultBatchSize
	}

	batchID := uuid.NewString()
	now := v.clock().UTC()

	codes := make([]string, 0, count)
	records := make([]storage.RecoveryCode, 0, count)
	for i := 0; i < count; i++ {
		plaintext, err := generateCode()
		if err != nil {
			return Batch{}, fmt.Errorf("generate recovery code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), v.cost)
		if err != nil {
			return Batch{}, fmt.Errorf("hash recovery code: %w", err)
		}
		codeID, err := v.generateID()
		if err != nil {
			return Batch{}, fmt.Errorf("generate code id: %w", err)
		}
		codes = append(codes, Format(plaintext))
		records = append(records, storage.RecoveryCode{
			ID:        codeID,
			AccountID: accountID,
			CodeHash:  string(hash),
			BatchID:   batchID,
			CreatedAt: now,
		})
	}

	if err := v.store.InsertRecoveryCodes(ctx, records); err != nil {
		return Batch{}, fmt.Errorf("store recovery codes: %w", err)
	}
	return Batch{BatchID: batchID, Codes: codes}, nil
}

// Consume redeems one recovery code and returns how many codes remain. All
// failure modes collapse into ErrRecoveryFailed.
func (v *Vault) Consume(ctx context.Context, accountID, rawCode string) (int, error) {
	if v == nil || v.store == nil {
		return 0, fmt.Errorf("recovery vault is not configured")
	}

	normalized := Normalize(rawCode)
	if normalized == "" {
		return 0, ErrRecoveryFailed
	}

	active, err := v.store.ListActiveRecoveryCodes(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list recovery codes: %w", err)
	}

	for _, record := range active {
		if bcrypt.CompareHashAndPassword([]byte(record.CodeHash), []byte(normalized)) != nil {
			continue
		}
		if err := v.store.MarkRecoveryCodeUsed(ctx, record.ID, v.clock().UTC()); err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict) {
				// A concurrent redeem spent this code first.
				return 0, ErrRecoveryFailed
			}
			return 0, fmt.Errorf("mark recovery code used: %w", err)
		}
		return len(active) - 1, nil
	}
	return 0, ErrRecoveryFailed
}

// Remaining counts an account's unused codes.
func (v *Vault) Remaining(ctx context.Context, accountID string) (int, error) {
	if v == nil || v.store == nil {
		return 0, fmt.Errorf("recovery vault is not configured")
	}
	active, err := v.store.ListActiveRecoveryCodes(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list recovery codes: %w", err)
	}
	return len(active), nil
}

// RevokeAll invalidates an account's unused codes. Spent codes stay recorded
// so they can never authenticate again.
func (v *Vault) RevokeAll(ctx context.Context, accountID string) error {
	if v == nil || v.store == nil {
		return fmt.Errorf("recovery vault is not configured")
	}
	if err := v.store.DeleteUnusedRecoveryCodes(ctx, accountID); err != nil {
		return fmt.Errorf("delete recovery codes: %w", err)
	}
	return nil
}

func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	var builder strings.Builder
	for i := 0; i < codeGroupLen*2; i++ {
		index, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		builder.WriteByte(codeAlphabet[index.Int64()])
	}
	return builder.String(), nil
}
