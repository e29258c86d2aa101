package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crewly/server/internal/audit"
	"github.com/crewly/server/internal/config"
	"github.com/crewly/server/internal/db"
	httpserver "github.com/crewly/server/internal/http"
	"github.com/crewly/server/internal/http/handlers"
	"github.com/crewly/server/internal/mailer"
	"github.com/crewly/server/internal/otp"
	"github.com/crewly/server/internal/repo"
	"github.com/crewly/server/internal/session"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	userRepo := repo.NewUserRepo(database)
	otpRepo := repo.NewOTPRepo(database)
	sessionRepo := repo.NewSessionRepo(database)
	auditRepo := repo.NewAuditRepo(database)

	otpService := otp.NewService(otpRepo, otp.NewHasher(cfg.OTPSalt))
	tokenService := session.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	sessionManager := session.NewManager(sessionRepo, userRepo, tokenService)
	auditor := audit.NewDBRecorder(auditRepo)

	var otpMailer mailer.Mailer = mailer.LogMailer{}

	authHandler := handlers.NewAuthHandler(
		userRepo, otpService, sessionManager, tokenService, otpMailer, auditor, cfg.DevMode,
	)

	router := httpserver.NewRouter(authHandler, tokenService, sessionManager, userRepo)

	housekeepingCtx, stopHousekeeping := context.WithCancel(ctx)
	defer stopHousekeeping()
	go housekeeping(housekeepingCtx, otpRepo, sessionRepo)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("server exited")
}

// housekeeping clears dead rows hourly: expired or long-consumed codes and
// invalidated or expired sessions. Never on the request path.
func housekeeping(ctx context.Context, otps repo.OTPRepo, sessions repo.SessionRepo) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if n, err := otps.DeleteExpired(ctx, now); err != nil {
				log.Error().Err(err).Msg("cleanup OTP codes failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("cleaned up OTP codes")
			}
			if n, err := sessions.DeleteDead(ctx, now); err != nil {
				log.Error().Err(err).Msg("cleanup sessions failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("cleaned up sessions")
			}
		}
	}
}

func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the module root)")
	}
	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
