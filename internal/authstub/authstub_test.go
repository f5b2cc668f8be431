package authstub_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-learn-session/internal/authstub"
	"github.com/jrsteele09/go-learn-session/internal/authstub/authstubtest"
	"github.com/jrsteele09/go-learn-session/users"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func post(t *testing.T, url, bearer string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func login(t *testing.T, f *authstubtest.Fixture, email string) authstub.LoginResponse {
	t.Helper()
	resp := post(t, f.URL+authstub.RouteAuthLogin, "", map[string]string{"email": email, "password": authstubtest.Password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr authstub.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	return lr
}

func TestLogin(t *testing.T) {
	f := authstubtest.New(t)

	t.Run("valid credentials", func(t *testing.T) {
		lr := login(t, f, authstubtest.TeacherEmail)
		require.NotNil(t, lr.AccessToken)
		require.NotNil(t, lr.RefreshToken)
		require.Equal(t, "bearer", lr.TokenType)
		require.Equal(t, users.RoleTeacher, lr.User.DerivedRole())
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := post(t, f.URL+authstub.RouteAuthLogin, "", map[string]string{"email": authstubtest.StudentEmail, "password": "nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing fields", func(t *testing.T) {
		resp := post(t, f.URL+authstub.RouteAuthLogin, "", map[string]string{})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Contains(t, body["fields"], "email")
	})

	t.Run("blocked account", func(t *testing.T) {
		_, err := f.Stub.AddUser("blocked@learn.test", authstubtest.Password, "B", "Locked", "student")
		require.NoError(t, err)
		require.NoError(t, f.Stub.BlockUser("blocked@learn.test"))
		resp := post(t, f.URL+authstub.RouteAuthLogin, "", map[string]string{"email": "blocked@learn.test", "password": authstubtest.Password})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestRefreshRotation(t *testing.T) {
	f := authstubtest.New(t)
	lr := login(t, f, authstubtest.StudentEmail)

	resp := post(t, f.URL+authstub.RouteTokenRefresh, "", map[string]string{"refresh_token": *lr.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reuse := post(t, f.URL+authstub.RouteTokenRefresh, "", map[string]string{"refresh_token": *lr.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, reuse.StatusCode, "refresh tokens are single use")
	require.Equal(t, 2, f.Stub.RefreshCalls())

	f.Stub.RejectRefresh(true)
	lr2 := login(t, f, authstubtest.StudentEmail)
	rejected := post(t, f.URL+authstub.RouteTokenRefresh, "", map[string]string{"refresh_token": *lr2.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
}

func TestProfile(t *testing.T) {
	f := authstubtest.New(t)
	lr := login(t, f, authstubtest.AdminEmail)

	require.Equal(t, http.StatusUnauthorized, get(t, f.URL+authstub.RouteProfile, "").StatusCode)

	resp := get(t, f.URL+authstub.RouteProfile, *lr.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p users.Profile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	require.Equal(t, users.RoleAdmin, p.DerivedRole())
	require.Equal(t, 1, f.Stub.ProfileCalls())

	require.Equal(t, 1, f.Stub.RevokeAccessTokens())
	require.Equal(t, http.StatusUnauthorized, get(t, f.URL+authstub.RouteProfile, *lr.AccessToken).StatusCode)

	f.Stub.FailProfile(http.StatusBadGateway)
	fresh := login(t, f, authstubtest.AdminEmail)
	require.Equal(t, http.StatusBadGateway, get(t, f.URL+authstub.RouteProfile, *fresh.AccessToken).StatusCode)
}

func TestRoleProtectedRoutes(t *testing.T) {
	f := authstubtest.New(t)
	student := login(t, f, authstubtest.StudentEmail)
	teacher := login(t, f, authstubtest.TeacherEmail)
	admin := login(t, f, authstubtest.AdminEmail)

	require.Equal(t, http.StatusOK, get(t, f.URL+authstub.RouteCourses, *student.AccessToken).StatusCode)
	require.Equal(t, http.StatusForbidden, get(t, f.URL+authstub.RouteAdminUsers, *teacher.AccessToken).StatusCode)
	require.Equal(t, http.StatusOK, get(t, f.URL+authstub.RouteAdminUsers, *admin.AccessToken).StatusCode)

	lesson := map[string]string{"course_id": "algebra-1", "topic": "Linear equations"}
	require.Equal(t, http.StatusForbidden, post(t, f.URL+authstub.RouteAILessons, *student.AccessToken, lesson).StatusCode)
	require.Equal(t, http.StatusCreated, post(t, f.URL+authstub.RouteAILessons, *teacher.AccessToken, lesson).StatusCode)
}

func TestLogout(t *testing.T) {
	f := authstubtest.New(t)
	lr := login(t, f, authstubtest.StudentEmail)

	resp := post(t, f.URL+authstub.RouteAuthLogout, *lr.AccessToken, map[string]string{"refresh_token": *lr.RefreshToken})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Equal(t, http.StatusUnauthorized, get(t, f.URL+authstub.RouteProfile, *lr.AccessToken).StatusCode)
	reuse := post(t, f.URL+authstub.RouteTokenRefresh, "", map[string]string{"refresh_token": *lr.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, reuse.StatusCode)

	f.Stub.FailLogout(true)
	require.Equal(t, http.StatusServiceUnavailable, post(t, f.URL+authstub.RouteAuthLogout, "", map[string]string{}).StatusCode)
	require.Equal(t, 2, f.Stub.LogoutCalls())
}

func TestExpiredRevocationsAreSwept(t *testing.T) {
	clk := &clock{now: time.Now()}
	f := authstubtest.New(t, authstub.WithNowFunc(clk.Now), authstub.WithCleanupInterval(10*time.Millisecond))
	lr := login(t, f, authstubtest.StudentEmail)

	require.Equal(t, 1, f.Stub.RevokeAccessTokens())
	require.Equal(t, 1, f.Stub.RevokedTokens())
	require.Equal(t, http.StatusUnauthorized, get(t, f.URL+authstub.RouteProfile, *lr.AccessToken).StatusCode)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.Stub.RevokedTokens(), "kept until the token expires")

	clk.Advance(6 * time.Minute)
	require.Eventually(t, func() bool { return f.Stub.RevokedTokens() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusUnauthorized, get(t, f.URL+authstub.RouteProfile, *lr.AccessToken).StatusCode, "expired tokens stay rejected")
}
