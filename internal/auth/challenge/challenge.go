// Package challenge issues and consumes single-use ceremony challenges.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/id"
)

// Kind identifies which ceremony a challenge belongs to. A challenge issued
// for one kind is never accepted by another kind's finish path.
type Kind string

const (
	KindRegister          Kind = "register"
	KindLogin             Kind = "login"
	KindLoginDiscoverable Kind = "login-discoverable"
	KindRecover           Kind = "recover"
)

// DefaultTTL bounds the window between a ceremony's start and finish calls.
const DefaultTTL = 2 * time.Minute

var (
	errNotFound     = apperrors.New(apperrors.CodeChallengeNotFound, "challenge not found")
	errExpired      = apperrors.New(apperrors.CodeChallengeExpired, "challenge expired")
	errAlreadyUsed  = apperrors.New(apperrors.CodeChallengeAlreadyUsed, "challenge already used")
	errKindMismatch = apperrors.New(apperrors.CodeChallengeKindMismatch, "challenge kind mismatch")
)

// Service mediates all challenge state transitions.
type Service struct {
	store      storage.ChallengeStore
	clock      func() time.Time
	generateID func() (string, error)
	ttl        time.Duration
}

// NewService creates a challenge service backed by the given store.
func NewService(store storage.ChallengeStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:      store,
		clock:      time.Now,
		generateID: id.NewID,
		ttl:        ttl,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDGenerator overrides the id source. Used by tests.
func (s *Service) WithIDGenerator(generateID func() (string, error)) *Service {
	s.generateID = generateID
	return s
}

// Issue creates a pending challenge carrying the serialized ceremony session.
// The account id is empty for discoverable login, where no account is known
// until the authenticator responds.
func (s *Service) Issue(ctx context.Context, kind Kind, accountID, sessionJSON string) (storage.Challenge, error) {
	if s == nil || s.store == nil {
		return storage.Challenge{}, fmt.Errorf("challenge service is not configured")
	}

	challengeID, err := s.generateID()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("generate challenge id: %w", err)
	}

	now := s.clock().UTC()
	challenge := storage.Challenge{
		ID:          challengeID,
		Kind:        string(kind),
		AccountID:   accountID,
		SessionJSON: sessionJSON,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.PutChallenge(ctx, challenge); err != nil {
		return storage.Challenge{}, fmt.Errorf("put challenge: %w", err)
	}
	return challenge, nil
}

// Consume claims a challenge for exactly one finish call and verifies it is
// fresh and of an allowed kind. Claiming happens before the expiry check so a
// replayed finish reports already-used rather than expired.
func (s *Service) Consume(ctx context.Context, challengeID string, allowed ...Kind) (storage.Challenge, error) {
	if s == nil || s.store == nil {
		return storage.Challenge{}, fmt.Errorf("challenge service is not configured")
	}

	now := s.clock().UTC()
	challenge, err := s.store.ConsumeChallenge(ctx, challengeID, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return storage.Challenge{}, errNotFound
		case errors.Is(err, storage.ErrConflict):
			return storage.Challenge{}, errAlreadyUsed
		default:
			return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
		}
	}

	if now.After(challenge.ExpiresAt) {
		return storage.Challenge{}, errExpired
	}

	if len(allowed) > 0 && !kindAllowed(Kind(challenge.Kind), allowed) {
		return storage.Challenge{}, errKindMismatch
	}
	return challenge, nil
}

// StartCleanup launches a background sweeper that removes expired challenges
// until the context is cancelled.
func (s *Service) StartCleanup(ctx context.Context, interval time.Duration, onError func(error)) {
	if s == nil || s.store == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.DeleteExpiredChallenges(ctx, s.clock().UTC()); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}

func kindAllowed(kind Kind, allowed []Kind) bool {
	for _, candidate := range allowed {
		if kind == candidate {
			return true
		}
	}
	return false
}
