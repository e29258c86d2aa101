package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/model"
	"github.com/crewly/server/internal/repo"
)

// ErrInvalidToken is the single outward failure for refresh and session
// validation. Expired, tampered, rotated-away, and revoked all look the same
// to the caller.
var ErrInvalidToken = errors.New("invalid or expired token")

// ClientMeta is opaque client context stored on the session for audit.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// TokenPair is what a successful login or refresh hands back.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access-token expiry
}

// Manager owns the session lifecycle: ACTIVE on create, ACTIVE on refresh
// (tokens rotate in place, session identity preserved), INVALID terminally on
// logout or revocation.
type Manager struct {
	sessions repo.SessionRepo
	users    repo.UserRepo
	tokens   *TokenService
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(sessions repo.SessionRepo, users repo.UserRepo, tokens *TokenService) *Manager {
	return &Manager{
		sessions: sessions,
		users:    users,
		tokens:   tokens,
		now:      time.Now,
	}
}

// SetNow overrides the manager and token clocks, for tests.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
	m.tokens.now = now
}

// hashToken is the at-rest form of a refresh token. Comparison happens via
// the conditional rotate in the store, so a plain digest suffices.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create opens a new session for the user and mints its token pair. The
// session row expires with the refresh token.
func (m *Manager) Create(ctx context.Context, user model.User, meta ClientMeta) (model.Session, TokenPair, error) {
	now := m.now()
	s := model.Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		IsValid:   true,
		CreatedAt: now,
		ExpiresAt: now.Add(m.tokens.RefreshTTL()),
	}
	if meta.UserAgent != "" {
		s.UserAgent = &meta.UserAgent
	}
	if meta.IPAddress != "" {
		s.IPAddress = &meta.IPAddress
	}

	access, err := m.tokens.SignAccess(user, s.ID)
	if err != nil {
		return model.Session{}, TokenPair{}, err
	}
	refresh, err := m.tokens.SignRefresh(user.ID, s.ID)
	if err != nil {
		return model.Session{}, TokenPair{}, err
	}
	s.RefreshTokenHash = hashToken(refresh)

	if err := m.sessions.Create(ctx, s); err != nil {
		return model.Session{}, TokenPair{}, fmt.Errorf("create session: %w", err)
	}

	return s, TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(m.tokens.AccessTTL()),
	}, nil
}

// Refresh rotates the token pair for a live session. The presented refresh
// token must verify, reference a valid unexpired session, and match the hash
// stored at the last rotation; anything else is ErrInvalidToken. The session
// keeps its identity and expiry; the refreshed session is returned for audit.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (TokenPair, model.Session, error) {
	claims, err := m.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, model.Session{}, ErrInvalidToken
	}

	s, err := m.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, model.Session{}, ErrInvalidToken
		}
		return TokenPair{}, model.Session{}, fmt.Errorf("load session: %w", err)
	}
	now := m.now()
	if !s.Live(now) {
		return TokenPair{}, model.Session{}, ErrInvalidToken
	}

	userID, err := claims.UserID()
	if err != nil || userID != s.UserID {
		return TokenPair{}, model.Session{}, ErrInvalidToken
	}

	user, err := m.users.GetByID(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, model.Session{}, ErrInvalidToken
		}
		return TokenPair{}, model.Session{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return TokenPair{}, model.Session{}, ErrInvalidToken
	}

	access, err := m.tokens.SignAccess(user, s.ID)
	if err != nil {
		return TokenPair{}, model.Session{}, err
	}
	newRefresh, err := m.tokens.SignRefresh(user.ID, s.ID)
	if err != nil {
		return TokenPair{}, model.Session{}, err
	}

	// The conditional swap rejects a replayed older refresh token: only the
	// token from the most recent rotation still matches the stored hash.
	rotated, err := m.sessions.RotateRefreshHash(ctx, s.ID, hashToken(refreshToken), hashToken(newRefresh))
	if err != nil {
		return TokenPair{}, model.Session{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !rotated {
		return TokenPair{}, model.Session{}, ErrInvalidToken
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		ExpiresAt:    now.Add(m.tokens.AccessTTL()),
	}, s, nil
}

// Validate confirms the session behind an access token is still live. Every
// privileged request goes through this; token expiry alone is not trusted
// because sessions are revocable.
func (m *Manager) Validate(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	s, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uuid.Nil, ErrInvalidToken
		}
		return uuid.Nil, fmt.Errorf("load session: %w", err)
	}
	if !s.Live(m.now()) {
		return uuid.Nil, ErrInvalidToken
	}
	return s.UserID, nil
}

// Invalidate terminates one session. Idempotent.
func (m *Manager) Invalidate(ctx context.Context, sessionID uuid.UUID) error {
	if err := m.sessions.Invalidate(ctx, sessionID); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// InvalidateAll terminates every session owned by the user, used on ban or
// deactivation so already-issued tokens stop working.
func (m *Manager) InvalidateAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := m.sessions.InvalidateAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidate all sessions: %w", err)
	}
	return n, nil
}
