package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewly/server/internal/audit"
	"github.com/crewly/server/internal/middleware"
	"github.com/crewly/server/internal/model"
	"github.com/crewly/server/internal/otp"
)

// TestLoginScenario drives the whole flow through the HTTP surface:
// request a code, hit the cooldown, verify, replay, refresh, logout.
func TestLoginScenario(t *testing.T) {
	ts := newTestStack(t)
	client := ts.Server.Client()
	base := ts.Server.URL

	const email = "a@example.com"
	var devCode string
	var accessToken, refreshToken string

	t.Run("RequestCode", func(t *testing.T) {
		status, body := postJSON(t, client, base+"/auth/request_otp", map[string]string{"email": email})
		require.Equal(t, http.StatusOK, status, "body: %s", body)

		var res struct {
			Success bool `json:"success"`
			Data    struct {
				OTPSentAt int64  `json:"otp_sent_at"`
				DevCode   string `json:"dev_code"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &res))
		assert.True(t, res.Success)
		assert.NotZero(t, res.Data.OTPSentAt)
		require.Len(t, res.Data.DevCode, otp.CodeLength)
		devCode = res.Data.DevCode
	})

	t.Run("SecondRequestWithinCooldown", func(t *testing.T) {
		status, body := postJSON(t, client, base+"/auth/request_otp", map[string]string{"email": email})
		assert.Equal(t, http.StatusTooManyRequests, status)
		assert.Equal(t, "RATE_LIMITED", errorCodeOf(t, body))
	})

	t.Run("WrongCodeRejected", func(t *testing.T) {
		wrong := "000000"
		if wrong == devCode {
			wrong = "000001"
		}
		status, body := postJSON(t, client, base+"/auth/verify_otp", map[string]string{"email": email, "code": wrong})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "INVALID_OTP", errorCodeOf(t, body))
	})

	t.Run("CorrectCodeLogsIn", func(t *testing.T) {
		status, body := postJSON(t, client, base+"/auth/verify_otp", map[string]string{"email": email, "code": devCode})
		require.Equal(t, http.StatusOK, status, "body: %s", body)

		var res struct {
			Data struct {
				User struct {
					Email         string `json:"email"`
					EmailVerified bool   `json:"email_verified"`
				} `json:"user"`
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
				ExpiresAt    string `json:"expires_at"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &res))
		assert.Equal(t, email, res.Data.User.Email)
		assert.True(t, res.Data.User.EmailVerified)
		require.NotEmpty(t, res.Data.AccessToken)
		require.NotEmpty(t, res.Data.RefreshToken)
		_, err := time.Parse(time.RFC3339, res.Data.ExpiresAt)
		assert.NoError(t, err)

		accessToken = res.Data.AccessToken
		refreshToken = res.Data.RefreshToken
	})

	t.Run("ReplaySameCodeRejected", func(t *testing.T) {
		status, body := postJSON(t, client, base+"/auth/verify_otp", map[string]string{"email": email, "code": devCode})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "INVALID_OTP", errorCodeOf(t, body))
	})

	t.Run("MeWithAccessToken", func(t *testing.T) {
		status, body := getWithBearer(t, client, base+"/me", accessToken)
		require.Equal(t, http.StatusOK, status, "body: %s", body)
	})

	t.Run("RefreshRotatesTokens", func(t *testing.T) {
		status, body := postJSON(t, client, base+"/auth/refresh", map[string]string{"refresh_token": refreshToken})
		require.Equal(t, http.StatusOK, status, "body: %s", body)

		var res struct {
			Data struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &res))
		assert.NotEqual(t, accessToken, res.Data.AccessToken)
		assert.NotEqual(t, refreshToken, res.Data.RefreshToken)

		// The pre-rotation refresh token is spent.
		status, body = postJSON(t, client, base+"/auth/refresh", map[string]string{"refresh_token": refreshToken})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "INVALID_TOKEN", errorCodeOf(t, body))

		accessToken = res.Data.AccessToken
		refreshToken = res.Data.RefreshToken
	})

	t.Run("LogoutKillsSession", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, base+"/auth/logout", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		// The signature on the old access token is still valid; the
		// session behind it is not.
		status, _ := getWithBearer(t, client, base+"/me", accessToken)
		assert.Equal(t, http.StatusUnauthorized, status)

		// And its refresh token is dead too.
		status, body := postJSON(t, client, base+"/auth/refresh", map[string]string{"refresh_token": refreshToken})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "INVALID_TOKEN", errorCodeOf(t, body))
	})

	t.Run("AuditTrailComplete", func(t *testing.T) {
		var actions []string
		for _, e := range ts.Audit.Entries() {
			actions = append(actions, e.Action)
		}
		assert.Contains(t, actions, audit.ActionOTPRequested)
		assert.Contains(t, actions, audit.ActionOTPFailed)
		assert.Contains(t, actions, audit.ActionLoginSuccess)
		assert.Contains(t, actions, audit.ActionTokenRefreshed)
		assert.Contains(t, actions, audit.ActionRefreshFailed)
		assert.Contains(t, actions, audit.ActionLogout)
	})
}

func TestRefreshFailureAudited(t *testing.T) {
	ts := newTestStack(t)
	client := ts.Server.Client()
	base := ts.Server.URL

	t.Run("GarbageToken", func(t *testing.T) {
		status, body := postJSON(t, client, base+"/auth/refresh", map[string]string{"refresh_token": "garbage"})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "INVALID_TOKEN", errorCodeOf(t, body))

		var found bool
		for _, e := range ts.Audit.Entries() {
			if e.Action == audit.ActionRefreshFailed {
				found = true
			}
		}
		assert.True(t, found, "rejected refresh must leave an audit record")
	})

	t.Run("ReplayedTokenAttributed", func(t *testing.T) {
		_, refresh, userID := login(t, ts, "replay@example.com")

		status, _ := postJSON(t, client, base+"/auth/refresh", map[string]string{"refresh_token": refresh})
		require.Equal(t, http.StatusOK, status)

		// The pre-rotation token still carries a valid signature, so the
		// failure record names its subject.
		status, _ = postJSON(t, client, base+"/auth/refresh", map[string]string{"refresh_token": refresh})
		assert.Equal(t, http.StatusUnauthorized, status)

		var found bool
		for _, e := range ts.Audit.Entries() {
			if e.Action == audit.ActionRefreshFailed && e.EntityID == userID {
				found = true
			}
		}
		assert.True(t, found, "replayed refresh must be audited against its subject")
	})
}

func TestCookieAuthSurvivesStrayAuthorizationHeader(t *testing.T) {
	ts := newTestStack(t)
	access, _, _ := login(t, ts, "browser@example.com")

	req, err := http.NewRequest(http.MethodGet, ts.Server.URL+"/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: middleware.AccessTokenCookie, Value: access})
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "non-bearer header must not block the cookie credential")
}

func TestVerifyUnknownUser(t *testing.T) {
	ts := newTestStack(t)
	status, body := postJSON(t, ts.Server.Client(), ts.Server.URL+"/auth/verify_otp",
		map[string]string{"email": "nobody@example.com", "code": "123456"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "USER_NOT_FOUND", errorCodeOf(t, body))
}

func TestRequestCodeValidation(t *testing.T) {
	ts := newTestStack(t)
	client := ts.Server.Client()
	for _, email := range []string{"", "   ", "not-an-email", "a b@example.com"} {
		status, body := postJSON(t, client, ts.Server.URL+"/auth/request_otp", map[string]string{"email": email})
		assert.Equal(t, http.StatusBadRequest, status, "email %q", email)
		assert.Equal(t, "VALIDATION_ERROR", errorCodeOf(t, body))
	}
}

func TestInactiveAccountRejected(t *testing.T) {
	ts := newTestStack(t)
	client := ts.Server.Client()

	banned := model.User{
		ID:       newUserID(),
		Email:    "banned@example.com",
		Role:     model.RoleUser,
		IsActive: false,
	}
	ts.Users.Put(banned)

	status, body := postJSON(t, client, ts.Server.URL+"/auth/request_otp", map[string]string{"email": banned.Email})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "USER_INACTIVE", errorCodeOf(t, body))

	status, body = postJSON(t, client, ts.Server.URL+"/auth/verify_otp", map[string]string{"email": banned.Email, "code": "123456"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "USER_INACTIVE", errorCodeOf(t, body))
}

func TestAdminRevokeAll(t *testing.T) {
	ts := newTestStack(t)
	client := ts.Server.Client()
	base := ts.Server.URL

	admin := model.User{
		ID:       newUserID(),
		Email:    "admin@example.com",
		Role:     model.RoleAdmin,
		IsActive: true,
	}
	ts.Users.Put(admin)

	studentAccess, _, studentID := login(t, ts, "student@example.com")
	adminAccess, _, _ := login(t, ts, admin.Email)

	t.Run("NonAdminForbidden", func(t *testing.T) {
		status, _ := postJSONWithBearer(t, client, base+"/auth/revoke_all", studentAccess,
			map[string]string{"user_id": studentID})
		assert.Equal(t, http.StatusForbidden, status)
	})

	t.Run("AdminRevokesStudentSessions", func(t *testing.T) {
		status, body := postJSONWithBearer(t, client, base+"/auth/revoke_all", adminAccess,
			map[string]string{"user_id": studentID})
		require.Equal(t, http.StatusOK, status, "body: %s", body)

		// The student's previously issued access token now fails the
		// server-side session check.
		status, _ = getWithBearer(t, client, base+"/me", studentAccess)
		assert.Equal(t, http.StatusUnauthorized, status)

		// The admin's own session is untouched.
		status, _ = getWithBearer(t, client, base+"/me", adminAccess)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("Audited", func(t *testing.T) {
		var found bool
		for _, e := range ts.Audit.Entries() {
			if e.Action == audit.ActionSessionsRevoked && e.EntityID == studentID {
				found = true
			}
		}
		assert.True(t, found, "revocation must leave an audit record")
	})
}

// login walks the full request+verify flow and returns the token pair.
func login(t *testing.T, ts *testStack, email string) (access, refresh, userID string) {
	t.Helper()
	client := ts.Server.Client()

	status, body := postJSON(t, client, ts.Server.URL+"/auth/request_otp", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, status, "request_otp body: %s", body)
	var reqRes struct {
		Data struct {
			DevCode string `json:"dev_code"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &reqRes))

	status, body = postJSON(t, client, ts.Server.URL+"/auth/verify_otp",
		map[string]string{"email": email, "code": reqRes.Data.DevCode})
	require.Equal(t, http.StatusOK, status, "verify_otp body: %s", body)
	var verRes struct {
		Data struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &verRes))
	return verRes.Data.AccessToken, verRes.Data.RefreshToken, verRes.Data.User.ID
}

func postJSON(t *testing.T, client *http.Client, url string, payload any) (int, []byte) {
	t.Helper()
	return postJSONWithBearer(t, client, url, "", payload)
}

func postJSONWithBearer(t *testing.T, client *http.Client, url, bearer string, payload any) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func getWithBearer(t *testing.T, client *http.Client, url, bearer string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func errorCodeOf(t *testing.T, body []byte) string {
	t.Helper()
	var res struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	return res.Error.Code
}
