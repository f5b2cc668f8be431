package token_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-learn-session/internal/authstub/token"
	"github.com/jrsteele09/go-learn-session/internal/authstub/token/refresh"
	refreshrepofake "github.com/jrsteele09/go-learn-session/internal/authstub/token/refresh/repofake"
	"github.com/jrsteele09/go-learn-session/internal/errors"
	"github.com/jrsteele09/go-learn-session/internal/utils"
	"github.com/jrsteele09/go-learn-session/users"
	fakeuserrepo "github.com/jrsteele09/go-learn-session/users/repofake"
	"github.com/stretchr/testify/require"
)

const secretStr = "test-signing-secret"

// clock is a settable time source shared by both managers.
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

type testFixture struct {
	clock   *clock
	users   *fakeuserrepo.FakeUserRepo
	manager *token.Manager
	user    *users.User
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	clk := &clock{now: time.Now()}
	ur := fakeuserrepo.NewFakeUserRepo()
	u := &users.User{Email: "teacher@learn.test", Roles: []string{"teacher:"}}
	require.NoError(t, ur.Upsert(u))

	rm := refresh.NewManager(refreshrepofake.NewFakeRefreshRepo(), time.Hour, refresh.WithNowFunc(clk.Now))
	m := token.New(rm, ur, token.NewHMACSigner(secretStr),
		token.WithAccessTokenExpiry(time.Minute),
		token.WithNowFunc(clk.Now),
	)
	return &testFixture{clock: clk, users: ur, manager: m, user: u}
}

func TestAccessToken(t *testing.T) {
	t.Run("introspection carries subject and roles", func(t *testing.T) {
		f := setupTestFixture(t)
		raw, err := f.manager.CreateAccessToken(f.user)
		require.NoError(t, err)

		info, err := f.manager.Introspection(*raw)
		require.NoError(t, err)
		require.True(t, info.Active)
		require.Equal(t, f.user.ID, info.Sub)
		require.Equal(t, []string{"teacher:"}, info.Roles)
	})

	t.Run("expired", func(t *testing.T) {
		f := setupTestFixture(t)
		raw, err := f.manager.CreateAccessToken(f.user)
		require.NoError(t, err)

		f.clock.Advance(2 * time.Minute)
		info, err := f.manager.Introspection(*raw)
		require.ErrorIs(t, err, errors.ErrTokenExpired)
		require.False(t, info.Active)
	})

	t.Run("wrong secret", func(t *testing.T) {
		f := setupTestFixture(t)
		other := token.New(nil, f.users, token.NewHMACSigner("another-secret-value"))
		raw, err := other.CreateAccessToken(f.user)
		require.NoError(t, err)

		_, err = f.manager.Introspection(*raw)
		require.ErrorIs(t, err, errors.ErrInvalidToken)
	})

	t.Run("revoke all", func(t *testing.T) {
		f := setupTestFixture(t)
		a, err := f.manager.CreateAccessToken(f.user)
		require.NoError(t, err)
		b, err := f.manager.CreateAccessToken(f.user)
		require.NoError(t, err)

		require.Equal(t, 2, f.manager.RevokeAllAccessTokens())
		for _, raw := range []*string{a, b} {
			_, err := f.manager.Introspection(*raw)
			require.ErrorIs(t, err, errors.ErrTokenRevoked)
		}

		c, err := f.manager.CreateAccessToken(f.user)
		require.NoError(t, err)
		info, err := f.manager.Introspection(*c)
		require.NoError(t, err)
		require.True(t, info.Active)
	})
}

func TestCleanupRevokedTokens(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.manager.CreateAccessToken(f.user)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)
	_, err = f.manager.CreateAccessToken(f.user)
	require.NoError(t, err)
	require.Equal(t, 2, f.manager.RevokeAllAccessTokens())

	f.manager.CleanupRevokedTokens()
	require.Equal(t, 2, f.manager.RevokedCount())

	f.clock.Advance(45 * time.Second)
	f.manager.CleanupRevokedTokens()
	require.Equal(t, 1, f.manager.RevokedCount(), "only the first token has expired")

	f.clock.Advance(time.Minute)
	f.manager.CleanupRevokedTokens()
	require.Zero(t, f.manager.RevokedCount())
}

func TestRefresh(t *testing.T) {
	t.Run("rotation", func(t *testing.T) {
		f := setupTestFixture(t)
		first, err := f.manager.GenerateTokenResponse(f.user)
		require.NoError(t, err)

		second, err := f.manager.Refresh(utils.Value(first.RefreshToken))
		require.NoError(t, err)
		require.NotEqual(t, utils.Value(first.RefreshToken), utils.Value(second.RefreshToken))

		_, err = f.manager.Refresh(utils.Value(first.RefreshToken))
		require.ErrorIs(t, err, errors.ErrInvalidRefreshToken)
	})

	t.Run("expired refresh token", func(t *testing.T) {
		f := setupTestFixture(t)
		resp, err := f.manager.GenerateTokenResponse(f.user)
		require.NoError(t, err)

		f.clock.Advance(2 * time.Hour)
		_, err = f.manager.Refresh(utils.Value(resp.RefreshToken))
		require.ErrorIs(t, err, errors.ErrRefreshTokenExpired)
	})

	t.Run("blocked user cannot renew", func(t *testing.T) {
		f := setupTestFixture(t)
		resp, err := f.manager.GenerateTokenResponse(f.user)
		require.NoError(t, err)

		require.NoError(t, f.users.SetBlocked(f.user.Email, true))
		_, err = f.manager.Refresh(utils.Value(resp.RefreshToken))
		require.ErrorIs(t, err, errors.ErrUserBlocked)
	})
}
