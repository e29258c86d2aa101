package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/model"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// OTPRepo is the persistence contract the OTP core depends on. Attempt and
// consumption updates are single conditional writes so concurrent verification
// attempts serialize in the store, not in the caller.
type OTPRepo interface {
	// Create inserts a new code and marks every still-unused code for the
	// same user+purpose as used, so at most one live code exists at a time.
	Create(ctx context.Context, userID uuid.UUID, purpose model.OTPPurpose, codeHash string, expiresAt time.Time, maxAttempts int) (model.OTPCode, error)
	// FindLatestUnused returns the newest unused code for user+purpose,
	// regardless of expiry. Expiry is the verifier's decision.
	FindLatestUnused(ctx context.Context, userID uuid.UUID, purpose model.OTPPurpose) (model.OTPCode, error)
	// MarkUsed flips the used flag. The bool reports whether this call won
	// the flip; a second caller gets false (first-writer-wins).
	MarkUsed(ctx context.Context, id uuid.UUID) (bool, error)
	// IncrementAttempts bumps the attempt counter on a still-unused code and
	// returns the new count.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	// CountCreatedSince counts codes created for the user since the cutoff.
	CountCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	// LatestCreatedAt returns the creation time of the user's newest code,
	// or ErrNotFound when none exists.
	LatestCreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error)
	// DeleteExpired removes codes past expiry or consumed more than a day
	// ago. Housekeeping only; never called on the request path.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type otpRepo struct {
	db *sql.DB
}

// NewOTPRepo creates a Postgres-backed OTPRepo.
func NewOTPRepo(db *sql.DB) OTPRepo {
	return &otpRepo{db: db}
}

func (r *otpRepo) Create(ctx context.Context, userID uuid.UUID, purpose model.OTPPurpose, codeHash string, expiresAt time.Time, maxAttempts int) (model.OTPCode, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.OTPCode{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Serialize issuance per user so two concurrent requests cannot both
	// leave a live code behind.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, userID.String()); err != nil {
		return model.OTPCode{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE otp_codes
		SET used = TRUE, used_at = now()
		WHERE user_id = $1 AND purpose = $2 AND used = FALSE
	`, userID, string(purpose)); err != nil {
		return model.OTPCode{}, fmt.Errorf("invalidate prior codes: %w", err)
	}

	code := model.OTPCode{
		UserID:      userID,
		CodeHash:    codeHash,
		Purpose:     purpose,
		ExpiresAt:   expiresAt,
		MaxAttempts: maxAttempts,
	}
	var idStr string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO otp_codes (user_id, code_hash, purpose, expires_at, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, userID, codeHash, string(purpose), expiresAt, maxAttempts).Scan(&idStr, &code.CreatedAt)
	if err != nil {
		return model.OTPCode{}, fmt.Errorf("insert code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.OTPCode{}, fmt.Errorf("commit: %w", err)
	}

	code.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.OTPCode{}, fmt.Errorf("parse code ID: %w", err)
	}
	return code, nil
}

func (r *otpRepo) FindLatestUnused(ctx context.Context, userID uuid.UUID, purpose model.OTPPurpose) (model.OTPCode, error) {
	var c model.OTPCode
	var idStr, userIDStr, purposeStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, code_hash, purpose, created_at, expires_at,
		       used, used_at, attempts, max_attempts
		FROM otp_codes
		WHERE user_id = $1 AND purpose = $2 AND used = FALSE
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, string(purpose)).Scan(
		&idStr,
		&userIDStr,
		&c.CodeHash,
		&purposeStr,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.Used,
		&c.UsedAt,
		&c.Attempts,
		&c.MaxAttempts,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OTPCode{}, ErrNotFound
		}
		return model.OTPCode{}, fmt.Errorf("query code: %w", err)
	}
	c.ID, _ = uuid.Parse(idStr)
	c.UserID, _ = uuid.Parse(userIDStr)
	c.Purpose = model.OTPPurpose(purposeStr)
	return c, nil
}

func (r *otpRepo) MarkUsed(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE otp_codes SET used = TRUE, used_at = now()
		WHERE id = $1 AND used = FALSE
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark used: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *otpRepo) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otp_codes SET attempts = attempts + 1
		WHERE id = $1 AND used = FALSE
		RETURNING attempts
	`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return count, nil
}

func (r *otpRepo) CountCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM otp_codes
		WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent codes: %w", err)
	}
	return count, nil
}

func (r *otpRepo) LatestCreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	var t time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT created_at FROM otp_codes
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(&t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("latest code time: %w", err)
	}
	return t, nil
}

func (r *otpRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM otp_codes
		WHERE expires_at < $1
		   OR (used = TRUE AND used_at < $2)
	`, now, now.Add(-24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
