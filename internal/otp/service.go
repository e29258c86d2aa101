package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/model"
	"github.com/crewly/server/internal/repo"
)

// ErrInvalidCode is the single outward failure for verification. Not-found,
// expired, wrong digits, and exhausted attempts all collapse into it so a
// caller cannot enumerate accounts or probe code state.
var ErrInvalidCode = errors.New("invalid or expired code")

// RateLimitedError is returned by Issue when the limiter rejects the request.
// The embedded Decision carries the caller-facing reason.
type RateLimitedError struct {
	Decision Decision
}

func (e *RateLimitedError) Error() string {
	return "rate limited: " + e.Decision.Reason
}

// Service issues and verifies one-time codes. It is stateless; all state
// lives behind the code store.
type Service struct {
	codes  repo.OTPRepo
	hasher *Hasher
	lim    *Limiter
	now    func() time.Time
}

// NewService creates an OTP service over the given store and hasher.
func NewService(codes repo.OTPRepo, hasher *Hasher) *Service {
	return &Service{
		codes:  codes,
		hasher: hasher,
		lim:    NewLimiter(codes),
		now:    time.Now,
	}
}

// SetNow overrides the service clock, for tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
	s.lim.now = now
}

// CanRequest exposes the issuance limiter decision for the account.
func (s *Service) CanRequest(ctx context.Context, userID uuid.UUID) (Decision, error) {
	return s.lim.CanRequest(ctx, userID)
}

// Issue rate-gates the account, generates a fresh code, stores its digest
// (invalidating any still-live code for the same purpose), and returns the
// plaintext for delivery. The plaintext is never persisted or logged.
func (s *Service) Issue(ctx context.Context, user model.User, purpose model.OTPPurpose) (string, error) {
	decision, err := s.lim.CanRequest(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		return "", &RateLimitedError{Decision: decision}
	}

	code, err := GenerateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	digest := s.hasher.Hash(user.Email, code)
	expiresAt := s.now().Add(CodeTTL)
	if _, err := s.codes.Create(ctx, user.ID, purpose, digest, expiresAt, MaxAttempts); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}

	return code, nil
}

// Verify checks a submitted code for the account and purpose. On success the
// record is consumed and cannot verify again; consumption is first-writer-wins
// so two concurrent correct submissions cannot both succeed. Every expected
// failure surfaces as ErrInvalidCode.
func (s *Service) Verify(ctx context.Context, user model.User, submitted string, purpose model.OTPPurpose) error {
	record, err := s.codes.FindLatestUnused(ctx, user.ID, purpose)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidCode
		}
		return fmt.Errorf("load code: %w", err)
	}

	if record.Expired(s.now()) {
		// An expired code must never verify, even under a race with a
		// slow clock elsewhere; retire the row outright.
		if _, err := s.codes.MarkUsed(ctx, record.ID); err != nil {
			return fmt.Errorf("retire expired code: %w", err)
		}
		return ErrInvalidCode
	}

	if record.Attempts >= record.MaxAttempts {
		// Lock out further guessing on an exhausted code rather than
		// extending the attempt budget; correctness of the submission
		// no longer matters.
		if _, err := s.codes.MarkUsed(ctx, record.ID); err != nil {
			return fmt.Errorf("retire exhausted code: %w", err)
		}
		return ErrInvalidCode
	}

	if !s.hasher.Verify(user.Email, submitted, record.CodeHash) {
		attempts, err := s.codes.IncrementAttempts(ctx, record.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrInvalidCode
			}
			return fmt.Errorf("record failed attempt: %w", err)
		}
		if attempts >= record.MaxAttempts {
			// Retire the record the moment the cap lands, so a concurrent
			// burst of guesses that all read a stale count cannot keep the
			// code probeable past its budget.
			if _, err := s.codes.MarkUsed(ctx, record.ID); err != nil {
				return fmt.Errorf("retire exhausted code: %w", err)
			}
		}
		return ErrInvalidCode
	}

	consumed, err := s.codes.MarkUsed(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	if !consumed {
		// A concurrent submission won the consume; this one loses.
		return ErrInvalidCode
	}
	return nil
}
