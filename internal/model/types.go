package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's authorization role. Only the role check contract lives in
// this service; policy tables are owned by the main platform.
type Role string

const (
	RoleUser       Role = "USER"
	RoleStudent    Role = "STUDENT"
	RoleMentor     Role = "MENTOR"
	RoleAlumni     Role = "ALUMNI"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// OTPPurpose tags what a one-time code proves.
type OTPPurpose string

const (
	PurposeLogin           OTPPurpose = "LOGIN"
	PurposeVerifyEmail     OTPPurpose = "VERIFY_EMAIL"
	PurposeAccountRecovery OTPPurpose = "ACCOUNT_RECOVERY"
)

// User represents an account in the membership platform.
type User struct {
	ID            uuid.UUID
	Email         string
	FirstName     *string
	LastName      *string
	Role          Role
	IsActive      bool
	EmailVerified bool
	LastLoginAt   *time.Time
	CreatedAt     time.Time
}

// OTPCode is a one-time login code. Only the hash of the code is stored; the
// plaintext exists just long enough to be handed to the mailer.
type OTPCode struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	CodeHash    string
	Purpose     OTPPurpose
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
	Attempts    int
	MaxAttempts int
}

// Expired reports whether the code is past its expiry at the given instant.
func (c OTPCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Session is one authenticated client instance. Issued tokens embed the
// session ID; invalidation is monotonic and kills those tokens server-side
// even while their signatures remain valid.
type Session struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	RefreshTokenHash string
	UserAgent        *string
	IPAddress        *string
	IsValid          bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Live reports whether the session can still back an access token.
func (s Session) Live(now time.Time) bool {
	return s.IsValid && now.Before(s.ExpiresAt)
}

// AuditEntry is one security-relevant event record.
type AuditEntry struct {
	ID         int64
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
	IPAddress  *string
	UserAgent  *string
	CreatedAt  time.Time
}
