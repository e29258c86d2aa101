package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/crewly/server/internal/model"
)

// Token use tags keep access and refresh tokens from being swapped: a refresh
// token presented as a bearer credential fails parsing, and vice versa.
const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// Claims is the closed claim set embedded in both token kinds. Decoding fails
// closed: a token without a subject or session ID is rejected even if its
// signature verifies.
type Claims struct {
	Email     string     `json:"email,omitempty"`
	Role      model.Role `json:"role,omitempty"`
	SessionID uuid.UUID  `json:"sid"`
	TokenUse  string     `json:"token_use"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// TokenService signs and verifies HS256 access and refresh tokens.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService creates a token service with the given signing secret and
// token lifetimes.
func NewTokenService(secret string, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// AccessTTL returns the access-token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the refresh-token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// SignAccess mints a short-lived access token carrying the user's identity,
// role, and session ID.
func (s *TokenService) SignAccess(user model.User, sessionID uuid.UUID) (string, error) {
	return s.sign(&Claims{
		Email:     user.Email,
		Role:      user.Role,
		SessionID: sessionID,
		TokenUse:  useAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(s.accessTTL)),
		},
	})
}

// SignRefresh mints a long-lived refresh token tied to the session. The jti
// makes every mint unique, so rotation always changes the stored hash even
// when two rotations fall in the same second.
func (s *TokenService) SignRefresh(userID, sessionID uuid.UUID) (string, error) {
	return s.sign(&Claims{
		SessionID: sessionID,
		TokenUse:  useRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(s.refreshTTL)),
		},
	})
}

func (s *TokenService) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAccess verifies an access token and returns its claims.
func (s *TokenService) ParseAccess(tokenString string) (*Claims, error) {
	return s.parse(tokenString, useAccess)
}

// ParseRefresh verifies a refresh token and returns its claims.
func (s *TokenService) ParseRefresh(tokenString string) (*Claims, error) {
	return s.parse(tokenString, useRefresh)
}

func (s *TokenService) parse(tokenString, expectedUse string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TokenUse != expectedUse {
		return nil, fmt.Errorf("wrong token use %q", claims.TokenUse)
	}
	if claims.Subject == "" || claims.SessionID == uuid.Nil {
		return nil, errors.New("token missing subject or session")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("malformed subject: %w", err)
	}
	return claims, nil
}
