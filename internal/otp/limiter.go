package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/repo"
)

// Decision is the advisory outcome of an issuance rate check. Callers shape a
// 429 out of a disallowed decision; nothing here is an error.
type Decision struct {
	Allowed     bool
	WaitSeconds int
	Reason      string
}

// Limiter enforces the issuance cooldown and hourly quota. Both counters are
// recency queries against stored codes, so the limiter stays consistent with
// the audit trail and holds no state of its own.
type Limiter struct {
	codes repo.OTPRepo
	now   func() time.Time
}

// NewLimiter creates a Limiter over the given code store.
func NewLimiter(codes repo.OTPRepo) *Limiter {
	return &Limiter{codes: codes, now: time.Now}
}

// CanRequest reports whether the account may be issued a new code right now.
func (l *Limiter) CanRequest(ctx context.Context, userID uuid.UUID) (Decision, error) {
	now := l.now()

	last, err := l.codes.LatestCreatedAt(ctx, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// No codes yet; quota check below is trivially satisfied too,
		// but run it anyway in case of clock skew between rows.
	case err != nil:
		return Decision{}, fmt.Errorf("cooldown check: %w", err)
	default:
		if elapsed := now.Sub(last); elapsed < RequestCooldown {
			wait := int((RequestCooldown - elapsed).Round(time.Second).Seconds())
			if wait < 1 {
				wait = 1
			}
			return Decision{
				WaitSeconds: wait,
				Reason:      fmt.Sprintf("please wait %d seconds before requesting a new code", wait),
			}, nil
		}
	}

	count, err := l.codes.CountCreatedSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}
	if count >= MaxCodesPerHour {
		return Decision{
			Reason: "too many code requests, try again in an hour",
		}, nil
	}

	return Decision{Allowed: true}, nil
}
