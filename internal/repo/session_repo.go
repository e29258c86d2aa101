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

// SessionRepo defines the session persistence operations the session manager
// needs. Invalidation is monotonic: no operation un-invalidates a session.
type SessionRepo interface {
	Create(ctx context.Context, s model.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Session, error)
	// RotateRefreshHash swaps the stored refresh-token hash. The update is
	// conditional on the session still being valid; the bool reports whether
	// a row was touched.
	RotateRefreshHash(ctx context.Context, id uuid.UUID, oldHash, newHash string) (bool, error)
	// Invalidate marks the session invalid. Idempotent.
	Invalidate(ctx context.Context, id uuid.UUID) error
	// InvalidateAllForUser marks every session owned by the user invalid and
	// returns how many were still valid.
	InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	// DeleteDead removes expired or invalidated sessions. Housekeeping only.
	DeleteDead(ctx context.Context, now time.Time) (int64, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a Postgres-backed SessionRepo.
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, s model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, refresh_token_hash, user_agent, ip_address, is_valid, expires_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
	`, s.ID, s.UserID, s.RefreshTokenHash, s.UserAgent, s.IPAddress, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var s model.Session
	var idStr, userIDStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, refresh_token_hash, user_agent, ip_address, is_valid, created_at, expires_at
		FROM sessions
		WHERE id = $1
	`, id).Scan(
		&idStr,
		&userIDStr,
		&s.RefreshTokenHash,
		&s.UserAgent,
		&s.IPAddress,
		&s.IsValid,
		&s.CreatedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("query session: %w", err)
	}
	s.ID, _ = uuid.Parse(idStr)
	s.UserID, _ = uuid.Parse(userIDStr)
	return s, nil
}

func (r *sessionRepo) RotateRefreshHash(ctx context.Context, id uuid.UUID, oldHash, newHash string) (bool, error) {
	// Conditional on the current hash so a replayed older refresh token
	// loses the race instead of silently rotating again.
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET refresh_token_hash = $3
		WHERE id = $1 AND refresh_token_hash = $2 AND is_valid = TRUE
	`, id, oldHash, newHash)
	if err != nil {
		return false, fmt.Errorf("rotate refresh hash: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sessionRepo) Invalidate(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET is_valid = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

func (r *sessionRepo) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET is_valid = FALSE WHERE user_id = $1 AND is_valid = TRUE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidate sessions for user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *sessionRepo) DeleteDead(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE expires_at < $1 OR is_valid = FALSE
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete dead sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
