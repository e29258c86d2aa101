package tests

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/audit"
	httpserver "github.com/crewly/server/internal/http"
	"github.com/crewly/server/internal/http/handlers"
	"github.com/crewly/server/internal/mailer"
	"github.com/crewly/server/internal/otp"
	"github.com/crewly/server/internal/repo"
	"github.com/crewly/server/internal/session"
)

// testStack is the full HTTP stack over in-memory stores. Dev mode is on so
// the issued code comes back in the request_otp response instead of mail.
type testStack struct {
	Server *httptest.Server
	Users  *repo.InMemUserRepo
	OTPs   *repo.InMemOTPRepo
	Audit  *repo.InMemAuditRepo
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	users := repo.NewInMemUserRepo()
	otps := repo.NewInMemOTPRepo()
	sessions := repo.NewInMemSessionRepo()
	audits := repo.NewInMemAuditRepo()

	otpService := otp.NewService(otps, otp.NewHasher("test-salt"))
	tokens := session.NewTokenService("test-secret", 15*time.Minute, 7*24*time.Hour)
	manager := session.NewManager(sessions, users, tokens)

	handler := handlers.NewAuthHandler(
		users,
		otpService,
		manager,
		tokens,
		mailer.LogMailer{},
		audit.NewDBRecorder(audits),
		true,
	)

	srv := httptest.NewServer(httpserver.NewRouter(handler, tokens, manager, users))
	t.Cleanup(srv.Close)

	return &testStack{Server: srv, Users: users, OTPs: otps, Audit: audits}
}

func newUserID() uuid.UUID {
	return uuid.New()
}
