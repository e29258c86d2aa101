package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/model"
)

// UserRepo defines the user persistence operations the auth core needs.
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	// GetOrCreateByEmail returns the existing user or creates one with the
	// default role. First contact with the platform is an OTP request.
	GetOrCreateByEmail(ctx context.Context, email string) (model.User, error)
	// RecordLogin stamps last_login_at and marks the email verified; a
	// successful OTP proves control of the mailbox.
	RecordLogin(ctx context.Context, id uuid.UUID) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a Postgres-backed UserRepo.
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, email, first_name, last_name, role, is_active, email_verified, last_login_at, created_at`

func (r *userRepo) scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	var idStr, roleStr string
	err := row.Scan(
		&idStr,
		&u.Email,
		&u.FirstName,
		&u.LastName,
		&roleStr,
		&u.IsActive,
		&u.EmailVerified,
		&u.LastLoginAt,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("parse user ID: %w", err)
	}
	u.Role = model.Role(roleStr)
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return r.scanUser(row)
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return r.scanUser(row)
}

func (r *userRepo) GetOrCreateByEmail(ctx context.Context, email string) (model.User, error) {
	// Insert first so concurrent first requests don't race on existence.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO NOTHING
	`, email)
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return r.GetByEmail(ctx, email)
}

func (r *userRepo) RecordLogin(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = now(), email_verified = TRUE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
