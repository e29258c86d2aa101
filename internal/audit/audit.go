package audit

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/crewly/server/internal/model"
	"github.com/crewly/server/internal/repo"
)

// Actions recorded by the auth core. One entry per security-relevant event;
// the failure paths record too.
const (
	ActionOTPRequested    = "OTP_REQUESTED"
	ActionOTPFailed       = "OTP_FAILED"
	ActionLoginSuccess    = "LOGIN_SUCCESS"
	ActionTokenRefreshed  = "TOKEN_REFRESHED"
	ActionRefreshFailed   = "REFRESH_FAILED"
	ActionLogout          = "LOGOUT"
	ActionSessionsRevoked = "SESSIONS_REVOKED"
)

// Event is one security-relevant occurrence to be recorded.
type Event struct {
	Action    string
	UserID    string
	Details   map[string]any
	IPAddress string
	UserAgent string
}

// Recorder is the audit sink contract. Record is fire-and-forget from the
// caller's perspective: implementations deal with their own failures and a
// failed write never blocks the operation that produced the event.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// DBRecorder persists events through the audit repository. Write failures are
// logged and swallowed; the primary operation's result is never held hostage
// by the audit trail.
type DBRecorder struct {
	repo repo.AuditRepo
}

// NewDBRecorder creates a Recorder over the audit repository.
func NewDBRecorder(r repo.AuditRepo) *DBRecorder {
	return &DBRecorder{repo: r}
}

func (d *DBRecorder) Record(ctx context.Context, e Event) {
	entry := model.AuditEntry{
		Action:     e.Action,
		EntityType: "User",
		EntityID:   e.UserID,
		Details:    e.Details,
	}
	if e.IPAddress != "" {
		entry.IPAddress = &e.IPAddress
	}
	if e.UserAgent != "" {
		entry.UserAgent = &e.UserAgent
	}
	if err := d.repo.Insert(ctx, entry); err != nil {
		log.Error().Err(err).Str("action", e.Action).Str("user_id", e.UserID).
			Msg("audit write failed")
	}
}

// NopRecorder discards events. Test use only.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}
