package mailer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Mailer delivers one-time codes. Content, templating, and transport live in
// the platform's mail service; this core only hands over the plaintext code
// and its lifetime.
type Mailer interface {
	SendOTP(ctx context.Context, email, code string, ttl time.Duration) error
}

// LogMailer "delivers" codes to the application log. Development use only;
// production wires a real transport behind the Mailer interface.
type LogMailer struct{}

func (LogMailer) SendOTP(_ context.Context, email, code string, ttl time.Duration) error {
	log.Info().Str("email", email).Str("code", code).Dur("ttl", ttl).
		Msg("dev mailer: OTP issued")
	return nil
}
