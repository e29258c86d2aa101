package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crewly/server/internal/audit"
	"github.com/crewly/server/internal/mailer"
	"github.com/crewly/server/internal/middleware"
	"github.com/crewly/server/internal/model"
	"github.com/crewly/server/internal/otp"
	"github.com/crewly/server/internal/repo"
	"github.com/crewly/server/internal/session"
)

const refreshTokenCookie = "refresh_token"

// AuthHandler exposes the OTP login, refresh, and logout endpoints. All of the
// logic lives in the otp and session packages; handlers only parse requests
// and shape responses.
type AuthHandler struct {
	users    repo.UserRepo
	otps     *otp.Service
	sessions *session.Manager
	tokens   *session.TokenService
	mail     mailer.Mailer
	auditor  audit.Recorder

	// Transport-level IP limits; the per-account policy is DB-backed.
	requestLimiter *middleware.RateLimiter
	verifyLimiter  *middleware.RateLimiter

	devMode       bool
	secureCookies bool
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(
	users repo.UserRepo,
	otps *otp.Service,
	sessions *session.Manager,
	tokens *session.TokenService,
	mail mailer.Mailer,
	auditor audit.Recorder,
	devMode bool,
) *AuthHandler {
	return &AuthHandler{
		users:          users,
		otps:           otps,
		sessions:       sessions,
		tokens:         tokens,
		mail:           mail,
		auditor:        auditor,
		requestLimiter: middleware.NewRateLimiter(10*time.Minute, 10),
		verifyLimiter:  middleware.NewRateLimiter(10*time.Minute, 20),
		devMode:        devMode,
		secureCookies:  !devMode,
	}
}

type requestOTPRequest struct {
	Email string `json:"email"`
}

type requestOTPResponse struct {
	OTPSentAt int64  `json:"otp_sent_at"`
	DevCode   string `json:"dev_code,omitempty"`
}

type userResponse struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	FirstName     *string `json:"first_name"`
	LastName      *string `json:"last_name"`
	Role          string  `json:"role"`
	EmailVerified bool    `json:"email_verified"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type verifyOTPResponse struct {
	User         userResponse `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    string       `json:"expires_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
}

type revokeAllRequest struct {
	UserID string `json:"user_id"`
}

// HandleRequestOTP handles POST /auth/request_otp.
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, codeValidationError, "invalid request data")
		return
	}
	email, ok := normalizeEmail(req.Email)
	if !ok {
		respondError(w, http.StatusBadRequest, codeValidationError, "invalid request data")
		return
	}

	ip := middleware.ClientIP(r)
	if !h.requestLimiter.Allow(ip) {
		respondError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
		return
	}

	// First contact creates the account; the OTP proving mailbox control is
	// the signup ceremony.
	user, err := h.users.GetOrCreateByEmail(r.Context(), email)
	if err != nil {
		log.Error().Err(err).Msg("get or create user failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "failed to send code")
		return
	}
	if !user.IsActive {
		respondError(w, http.StatusForbidden, codeUserInactive, "account is deactivated")
		return
	}

	code, err := h.otps.Issue(r.Context(), user, model.PurposeLogin)
	if err != nil {
		var rl *otp.RateLimitedError
		if errors.As(err, &rl) {
			respondError(w, http.StatusTooManyRequests, codeRateLimited, rl.Decision.Reason)
			return
		}
		log.Error().Err(err).Str("user_id", user.ID.String()).Msg("issue code failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "failed to send code")
		return
	}

	sentAt := time.Now().Unix()
	mailErr := h.mail.SendOTP(r.Context(), user.Email, code, otp.CodeTTL)
	if mailErr != nil {
		// Delivery failures are not surfaced to the caller.
		log.Error().Err(mailErr).Str("user_id", user.ID.String()).Msg("send OTP email failed")
	}

	h.auditor.Record(r.Context(), audit.Event{
		Action:    audit.ActionOTPRequested,
		UserID:    user.ID.String(),
		Details:   map[string]any{"email_sent": mailErr == nil, "otp_sent_at": sentAt},
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	})

	resp := requestOTPResponse{OTPSentAt: sentAt}
	if h.devMode {
		resp.DevCode = code
	}
	respondData(w, http.StatusOK, resp)
}

// HandleVerifyOTP handles POST /auth/verify_otp.
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, codeValidationError, "invalid request data")
		return
	}
	email, ok := normalizeEmail(req.Email)
	code := strings.TrimSpace(req.Code)
	if !ok || code == "" {
		respondError(w, http.StatusBadRequest, codeValidationError, "invalid request data")
		return
	}

	ip := middleware.ClientIP(r)
	if !h.verifyLimiter.Allow(ip) {
		respondError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondError(w, http.StatusNotFound, codeUserNotFound, "user not found")
			return
		}
		log.Error().Err(err).Msg("load user failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "authentication failed")
		return
	}
	if !user.IsActive {
		respondError(w, http.StatusForbidden, codeUserInactive, "account is deactivated")
		return
	}

	if err := h.otps.Verify(r.Context(), user, code, model.PurposeLogin); err != nil {
		if errors.Is(err, otp.ErrInvalidCode) {
			h.auditor.Record(r.Context(), audit.Event{
				Action:    audit.ActionOTPFailed,
				UserID:    user.ID.String(),
				Details:   map[string]any{"error": "invalid code"},
				IPAddress: ip,
				UserAgent: r.UserAgent(),
			})
			respondError(w, http.StatusUnauthorized, codeInvalidOTP, "invalid or expired code")
			return
		}
		log.Error().Err(err).Str("user_id", user.ID.String()).Msg("verify code failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "authentication failed")
		return
	}

	sess, pair, err := h.sessions.Create(r.Context(), user, session.ClientMeta{
		UserAgent: r.UserAgent(),
		IPAddress: ip,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID.String()).Msg("create session failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "authentication failed")
		return
	}

	if err := h.users.RecordLogin(r.Context(), user.ID); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("record login failed")
	}
	user.EmailVerified = true

	h.auditor.Record(r.Context(), audit.Event{
		Action:    audit.ActionLoginSuccess,
		UserID:    user.ID.String(),
		Details:   map[string]any{"session_id": sess.ID.String()},
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	})

	h.setTokenCookies(w, pair)
	respondData(w, http.StatusOK, verifyOTPResponse{
		User:         toUserResponse(user),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// HandleRefresh handles POST /auth/refresh. The token comes from the body or
// falls back to the refresh cookie.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		if c, err := r.Cookie(refreshTokenCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		respondError(w, http.StatusBadRequest, codeValidationError, "refresh token is required")
		return
	}

	pair, sess, err := h.sessions.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			// A rejected refresh is a security event. Attribute it to the
			// token's subject when the signature still verifies.
			userID := ""
			if claims, perr := h.tokens.ParseRefresh(token); perr == nil {
				userID = claims.Subject
			}
			h.auditor.Record(r.Context(), audit.Event{
				Action:    audit.ActionRefreshFailed,
				UserID:    userID,
				Details:   map[string]any{"error": "invalid token"},
				IPAddress: middleware.ClientIP(r),
				UserAgent: r.UserAgent(),
			})
			respondError(w, http.StatusUnauthorized, codeInvalidToken, "invalid or expired refresh token")
			return
		}
		log.Error().Err(err).Msg("refresh failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "token refresh failed")
		return
	}

	h.auditor.Record(r.Context(), audit.Event{
		Action:    audit.ActionTokenRefreshed,
		UserID:    sess.UserID.String(),
		Details:   map[string]any{"session_id": sess.ID.String()},
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})

	h.setTokenCookies(w, pair)
	respondData(w, http.StatusOK, refreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// HandleLogout handles POST /auth/logout. Requires the auth middleware.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	user, okUser := middleware.GetUser(r.Context())
	sessionID, okSession := middleware.GetSessionID(r.Context())
	if !okUser || !okSession {
		respondError(w, http.StatusUnauthorized, codeUnauthorized, "not authenticated")
		return
	}

	if err := h.sessions.Invalidate(r.Context(), sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("invalidate session failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "logout failed")
		return
	}

	h.auditor.Record(r.Context(), audit.Event{
		Action:    audit.ActionLogout,
		UserID:    user.ID.String(),
		Details:   map[string]any{"session_id": sessionID.String()},
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})

	h.clearTokenCookies(w)
	respondMessage(w, http.StatusOK, "logged out")
}

// HandleRevokeAll handles POST /auth/revoke_all: administrative kill switch
// that invalidates every session a user owns, so tokens issued before a ban
// stop working immediately.
func (h *AuthHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	admin, ok := middleware.GetUser(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, codeUnauthorized, "not authenticated")
		return
	}

	var req revokeAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, codeValidationError, "invalid request data")
		return
	}
	targetID, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeValidationError, "invalid request data")
		return
	}

	revoked, err := h.sessions.InvalidateAll(r.Context(), targetID)
	if err != nil {
		log.Error().Err(err).Str("target", targetID.String()).Msg("revoke all sessions failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "revocation failed")
		return
	}

	h.auditor.Record(r.Context(), audit.Event{
		Action:    audit.ActionSessionsRevoked,
		UserID:    targetID.String(),
		Details:   map[string]any{"revoked": revoked, "by": admin.ID.String()},
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})

	respondData(w, http.StatusOK, map[string]any{"revoked": revoked})
}

// HandleMe handles GET /me. Requires the auth middleware.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, codeUnauthorized, "not authenticated")
		return
	}
	respondData(w, http.StatusOK, toUserResponse(*user))
}

func (h *AuthHandler) setTokenCookies(w http.ResponseWriter, pair session.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(h.tokens.AccessTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   int(h.tokens.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{middleware.AccessTokenCookie, refreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.secureCookies,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:            u.ID.String(),
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Role:          string(u.Role),
		EmailVerified: u.EmailVerified,
	}
}

// normalizeEmail lowercases and validates the address. The failure reason is
// never surfaced.
func normalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", false
	}
	return email, true
}
