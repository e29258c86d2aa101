package repo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/model"
)

// In-memory repository implementations. They back the service-level and
// end-to-end tests and mirror the conditional-write semantics of the Postgres
// adapters: attempt increments and used-flag flips are atomic under the lock,
// first writer wins.

// InMemOTPRepo is an in-memory OTPRepo.
type InMemOTPRepo struct {
	mu    sync.Mutex
	codes []*model.OTPCode
	now   func() time.Time
}

// NewInMemOTPRepo creates an empty in-memory OTP repository.
func NewInMemOTPRepo() *InMemOTPRepo {
	return &InMemOTPRepo{now: time.Now}
}

// SetNow overrides the clock used for created_at/used_at stamps.
func (r *InMemOTPRepo) SetNow(now func() time.Time) { r.now = now }

func (r *InMemOTPRepo) Create(_ context.Context, userID uuid.UUID, purpose model.OTPPurpose, codeHash string, expiresAt time.Time, maxAttempts int) (model.OTPCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, c := range r.codes {
		if c.UserID == userID && c.Purpose == purpose && !c.Used {
			c.Used = true
			t := now
			c.UsedAt = &t
		}
	}
	code := &model.OTPCode{
		ID:          uuid.New(),
		UserID:      userID,
		CodeHash:    codeHash,
		Purpose:     purpose,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		MaxAttempts: maxAttempts,
	}
	r.codes = append(r.codes, code)
	return *code, nil
}

func (r *InMemOTPRepo) FindLatestUnused(_ context.Context, userID uuid.UUID, purpose model.OTPPurpose) (model.OTPCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *model.OTPCode
	for _, c := range r.codes {
		if c.UserID != userID || c.Purpose != purpose || c.Used {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return model.OTPCode{}, ErrNotFound
	}
	return *latest, nil
}

func (r *InMemOTPRepo) MarkUsed(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.codes {
		if c.ID == id {
			if c.Used {
				return false, nil
			}
			c.Used = true
			t := r.now()
			c.UsedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (r *InMemOTPRepo) IncrementAttempts(_ context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.codes {
		if c.ID == id && !c.Used {
			c.Attempts++
			return c.Attempts, nil
		}
	}
	return 0, ErrNotFound
}

func (r *InMemOTPRepo) CountCreatedSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, c := range r.codes {
		if c.UserID == userID && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *InMemOTPRepo) LatestCreatedAt(_ context.Context, userID uuid.UUID) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest time.Time
	found := false
	for _, c := range r.codes {
		if c.UserID == userID && c.CreatedAt.After(latest) {
			latest = c.CreatedAt
			found = true
		}
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return latest, nil
}

func (r *InMemOTPRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.codes[:0]
	var deleted int64
	for _, c := range r.codes {
		dead := c.ExpiresAt.Before(now) || (c.Used && c.UsedAt != nil && c.UsedAt.Before(now.Add(-24*time.Hour)))
		if dead {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	r.codes = kept
	return deleted, nil
}

// InMemUserRepo is an in-memory UserRepo.
type InMemUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*model.User
	now   func() time.Time
}

// NewInMemUserRepo creates an empty in-memory user repository.
func NewInMemUserRepo() *InMemUserRepo {
	return &InMemUserRepo{users: make(map[uuid.UUID]*model.User), now: time.Now}
}

// Put stores a user directly, for test seeding.
func (r *InMemUserRepo) Put(u model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := u
	r.users[u.ID] = &cp
}

func (r *InMemUserRepo) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return *u, nil
	}
	return model.User{}, ErrNotFound
}

func (r *InMemUserRepo) GetByEmail(_ context.Context, email string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (r *InMemUserRepo) GetOrCreateByEmail(ctx context.Context, email string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return *u, nil
		}
	}
	u := &model.User{
		ID:        uuid.New(),
		Email:     email,
		Role:      model.RoleUser,
		IsActive:  true,
		CreatedAt: r.now(),
	}
	r.users[u.ID] = u
	return *u, nil
}

func (r *InMemUserRepo) RecordLogin(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	t := r.now()
	u.LastLoginAt = &t
	u.EmailVerified = true
	return nil
}

// InMemSessionRepo is an in-memory SessionRepo.
type InMemSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

// NewInMemSessionRepo creates an empty in-memory session repository.
func NewInMemSessionRepo() *InMemSessionRepo {
	return &InMemSessionRepo{sessions: make(map[uuid.UUID]*model.Session)}
}

func (r *InMemSessionRepo) Create(_ context.Context, s model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	cp.IsValid = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.sessions[s.ID] = &cp
	return nil
}

func (r *InMemSessionRepo) GetByID(_ context.Context, id uuid.UUID) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return *s, nil
	}
	return model.Session{}, ErrNotFound
}

func (r *InMemSessionRepo) RotateRefreshHash(_ context.Context, id uuid.UUID, oldHash, newHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsValid || s.RefreshTokenHash != oldHash {
		return false, nil
	}
	s.RefreshTokenHash = newHash
	return true, nil
}

func (r *InMemSessionRepo) Invalidate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.IsValid = false
	}
	return nil
}

func (r *InMemSessionRepo) InvalidateAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.UserID == userID && s.IsValid {
			s.IsValid = false
			n++
		}
	}
	return n, nil
}

func (r *InMemSessionRepo) DeleteDead(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !s.IsValid || s.ExpiresAt.Before(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// InMemAuditRepo is an in-memory AuditRepo that records entries for assertions.
type InMemAuditRepo struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

// NewInMemAuditRepo creates an empty in-memory audit repository.
func NewInMemAuditRepo() *InMemAuditRepo {
	return &InMemAuditRepo{}
}

func (r *InMemAuditRepo) Insert(_ context.Context, e model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (r *InMemAuditRepo) Entries() []model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
