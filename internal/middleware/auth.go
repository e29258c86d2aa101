package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/crewly/server/internal/model"
	"github.com/crewly/server/internal/repo"
	"github.com/crewly/server/internal/session"
)

type contextKey string

const (
	userKey      contextKey = "user"
	sessionIDKey contextKey = "session_id"
)

// AccessTokenCookie is the cookie fallback for clients that don't send a
// bearer header.
const AccessTokenCookie = "access_token"

// Auth validates the access token, re-checks the session it references is
// still live, loads the user, and attaches both to the request context. The
// server-side session check is what makes revocation effective while a token's
// signature is still valid.
func Auth(tokens *session.TokenService, sessions *session.Manager, users repo.UserRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				unauthorized(w, "missing credentials")
				return
			}

			claims, err := tokens.ParseAccess(tokenString)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}

			userID, err := sessions.Validate(r.Context(), claims.SessionID)
			if err != nil {
				unauthorized(w, "session no longer valid")
				return
			}

			user, err := users.GetByID(r.Context(), userID)
			if err != nil || !user.IsActive {
				unauthorized(w, "account unavailable")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, &user)
			ctx = context.WithValue(ctx, sessionIDKey, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a route on the authenticated user's role. This is the
// whole role-check contract; policy beyond "is one of" belongs to the platform.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := GetUser(r.Context())
			if !ok {
				unauthorized(w, "unauthenticated")
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
		})
	}
}

// bearerToken pulls the access token from the Authorization header, falling
// back to the cookie for browser clients. A non-Bearer header (proxies and
// extensions inject these) does not block the cookie fallback.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// GetUser returns the authenticated user attached by Auth.
func GetUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok
}

// GetSessionID returns the session ID of the presented access token.
func GetSessionID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(sessionIDKey).(uuid.UUID)
	return id, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	deny(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// deny writes the standard error envelope. Handlers have a richer responder;
// this keeps middleware rejections in the same shape without an import cycle.
func deny(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
