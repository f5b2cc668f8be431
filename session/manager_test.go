package session_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/internal/authstub/authstubtest"
	"github.com/jrsteele09/go-learn-session/internal/metrics"
	"github.com/jrsteele09/go-learn-session/refresh"
	"github.com/jrsteele09/go-learn-session/session"
	"github.com/jrsteele09/go-learn-session/users"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

const waitFor = 2 * time.Second

// tab is one client instance attached to a shared credential origin.
type tab struct {
	store   *credentials.MemoryStore
	client  *httpclient.Client
	coord   *refresh.Coordinator
	mgr     *session.Manager
	metrics *metrics.Metrics
}

func openTab(t *testing.T, url string, origin *credentials.MemoryOrigin, wrap func(session.API) session.API, opts ...session.Option) *tab {
	t.Helper()
	m := metrics.New()
	store := origin.Open()
	client := httpclient.New(url, store, httpclient.WithLogger(zerolog.Nop()), httpclient.WithMetrics(m))
	coord := refresh.New(store, client, refresh.WithLogger(zerolog.Nop()), refresh.WithMetrics(m))
	client.SetRefresher(coord)

	var api session.API = client
	if wrap != nil {
		api = wrap(client)
	}
	opts = append([]session.Option{
		session.WithLogger(zerolog.Nop()),
		session.WithMetrics(m),
		session.WithRefreshCoordinator(coord),
	}, opts...)
	mgr := session.New(store, api, opts...)
	t.Cleanup(func() {
		mgr.Close()
		_ = store.Close()
	})
	return &tab{store: store, client: client, coord: coord, mgr: mgr, metrics: m}
}

func newOrigin() *credentials.MemoryOrigin {
	return credentials.NewMemoryOrigin(credentials.WithLogger(zerolog.Nop()))
}

func loginAs(email string) session.LoginRequest {
	return session.LoginRequest{Email: email, Password: authstubtest.Password}
}

func TestLogin(t *testing.T) {
	t.Run("student", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)

		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))

		_, ok := tb.store.Get()
		require.True(t, ok)
		require.True(t, tb.mgr.IsStudent())
		require.False(t, tb.mgr.IsTeacher())
		require.False(t, tb.mgr.IsAdmin())
		require.False(t, tb.mgr.IsLoading())

		user, ok := tb.mgr.CurrentUser()
		require.True(t, ok)
		require.Equal(t, authstubtest.StudentEmail, user.Email)

		cached, ok := tb.store.Profile()
		require.True(t, ok)
		require.Equal(t, users.RoleStudent, cached.DerivedRole())
	})

	t.Run("wrong password is returned untouched", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)

		err := tb.mgr.Login(context.Background(), session.LoginRequest{Email: authstubtest.TeacherEmail, Password: "wrong-password"})
		require.ErrorIs(t, err, httpclient.ErrUnauthorized)
		require.Equal(t, session.StatusUnknown, tb.mgr.State().Status)
		require.Zero(t, f.Stub.RefreshCalls())
		_, ok := tb.store.Get()
		require.False(t, ok)
	})

	t.Run("locked account", func(t *testing.T) {
		f := authstubtest.New(t)
		require.NoError(t, f.Stub.BlockUser(authstubtest.StudentEmail))
		tb := openTab(t, f.URL, newOrigin(), nil)

		err := tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail))
		var ve *httpclient.ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, http.StatusForbidden, ve.StatusCode)
		require.Equal(t, "account_locked", ve.Code)
	})

	t.Run("expiry follows the clock", func(t *testing.T) {
		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil, session.WithClock(func() time.Time { return now }))

		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))
		cred, ok := tb.store.Get()
		require.True(t, ok)
		require.Equal(t, now.Add(5*time.Minute), cred.ExpiresAt)
	})

	t.Run("invalid request is not sent", func(t *testing.T) {
		tb := openTab(t, "http://127.0.0.1:1", newOrigin(), nil)

		for _, req := range []session.LoginRequest{
			{Email: "", Password: "x"},
			{Email: "not-an-email", Password: "x"},
			{Email: "a@learn.test", Password: ""},
		} {
			err := tb.mgr.Login(context.Background(), req)
			require.ErrorIs(t, err, session.ErrInvalidLogin)
		}
	})
}

func TestStart(t *testing.T) {
	t.Run("no credential", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)

		require.NoError(t, tb.mgr.Start(context.Background()))
		require.Equal(t, session.StatusUnauthenticated, tb.mgr.State().Status)
		require.Zero(t, f.Stub.ProfileCalls())
	})

	t.Run("stored credential", func(t *testing.T) {
		f := authstubtest.New(t)
		origin := newOrigin()
		first := openTab(t, f.URL, origin, nil)
		require.NoError(t, first.mgr.Login(context.Background(), loginAs(authstubtest.TeacherEmail)))

		restarted := openTab(t, f.URL, origin, nil)
		var seen []session.Status
		var mu sync.Mutex
		restarted.mgr.Subscribe(func(s session.State) {
			mu.Lock()
			seen = append(seen, s.Status)
			mu.Unlock()
		})

		require.NoError(t, restarted.mgr.Start(context.Background()))
		require.True(t, restarted.mgr.IsTeacher())
		mu.Lock()
		require.Equal(t, []session.Status{session.StatusChecking, session.StatusAuthenticated}, seen)
		mu.Unlock()
		require.Equal(t, 1.0, testutil.ToFloat64(restarted.metrics.SessionTransitions.WithLabelValues("authenticated")))
	})

	t.Run("expired access token is renewed", func(t *testing.T) {
		f := authstubtest.New(t)
		origin := newOrigin()
		first := openTab(t, f.URL, origin, nil)
		require.NoError(t, first.mgr.Login(context.Background(), loginAs(authstubtest.AdminEmail)))
		f.Stub.RevokeAccessTokens()

		restarted := openTab(t, f.URL, origin, nil)
		require.NoError(t, restarted.mgr.Start(context.Background()))
		require.True(t, restarted.mgr.IsAdmin())
		require.Equal(t, 1, f.Stub.RefreshCalls())
	})

	t.Run("profile failure clears credentials", func(t *testing.T) {
		f := authstubtest.New(t)
		origin := newOrigin()
		first := openTab(t, f.URL, origin, nil)
		require.NoError(t, first.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))
		f.Stub.FailProfile(http.StatusBadGateway)

		restarted := openTab(t, f.URL, origin, nil)
		err := restarted.mgr.Start(context.Background())
		require.ErrorIs(t, err, httpclient.ErrServer)

		state := restarted.mgr.State()
		require.Equal(t, session.StatusUnauthenticated, state.Status)
		require.ErrorIs(t, state.Err, httpclient.ErrServer)
		_, ok := restarted.store.Get()
		require.False(t, ok)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("transient failure keeps the session", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)
		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))

		f.Stub.FailProfile(http.StatusServiceUnavailable)
		err := tb.mgr.Refresh(context.Background())
		require.ErrorIs(t, err, httpclient.ErrServer)

		state := tb.mgr.State()
		require.Equal(t, session.StatusAuthenticated, state.Status)
		require.True(t, state.IsStudent())
		require.ErrorIs(t, state.Err, httpclient.ErrServer)
		_, ok := tb.store.Get()
		require.True(t, ok)
	})

	t.Run("picks up a role change", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)
		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))

		require.NoError(t, f.Stub.SetUserRoles(authstubtest.StudentEmail, "teacher:"))
		require.NoError(t, tb.mgr.Refresh(context.Background()))
		require.True(t, tb.mgr.IsTeacher())
		require.False(t, tb.mgr.IsStudent())
	})

	t.Run("failed renewal requires login", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)
		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.TeacherEmail)))

		reasons := make(chan error, 1)
		tb.mgr.OnLoginRequired(func(reason error) { reasons <- reason })

		f.Stub.RejectRefresh(true)
		f.Stub.RevokeAccessTokens()
		err := tb.mgr.Refresh(context.Background())
		require.ErrorIs(t, err, refresh.ErrRefreshFailed)

		require.ErrorIs(t, <-reasons, refresh.ErrRefreshFailed)
		require.Equal(t, session.StatusUnauthenticated, tb.mgr.State().Status)
		_, ok := tb.store.Get()
		require.False(t, ok)
	})

	t.Run("caller gives up during a slow renewal", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)
		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))
		original, _ := tb.store.Get()

		f.Stub.SetRefreshDelay(200 * time.Millisecond)
		f.Stub.RevokeAccessTokens()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := tb.mgr.Refresh(ctx)
		require.ErrorIs(t, err, httpclient.ErrNetwork)
		require.ErrorIs(t, err, httpclient.ErrTimeout)
		require.NotErrorIs(t, err, httpclient.ErrUnauthorized)
		require.Equal(t, session.StatusAuthenticated, tb.mgr.State().Status)
		require.True(t, tb.mgr.IsStudent())

		require.Eventually(t, func() bool {
			cred, ok := tb.store.Get()
			return ok && cred.AccessToken != original.AccessToken
		}, waitFor, 10*time.Millisecond, "the renewal finishes for later callers")
		require.Equal(t, 1, f.Stub.RefreshCalls())
		require.Equal(t, session.StatusAuthenticated, tb.mgr.State().Status)
	})
}

func TestLogout(t *testing.T) {
	t.Run("revokes remotely", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)
		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))
		cred, _ := tb.store.Get()

		require.NoError(t, tb.mgr.Logout(context.Background()))
		require.Equal(t, 1, f.Stub.LogoutCalls())

		_, err := tb.client.Send(context.Background(), http.MethodPost, refresh.Path,
			map[string]string{"refresh_token": cred.RefreshToken})
		require.ErrorIs(t, err, httpclient.ErrUnauthorized)
	})

	t.Run("remote failure still signs out", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)
		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))
		f.Stub.FailLogout(true)

		require.NoError(t, tb.mgr.Logout(context.Background()))
		require.Equal(t, session.StatusUnauthenticated, tb.mgr.State().Status)
		_, ok := tb.store.Get()
		require.False(t, ok)
		_, ok = tb.store.Profile()
		require.False(t, ok)

		require.NoError(t, tb.mgr.Logout(context.Background()))
		require.Equal(t, 1, f.Stub.LogoutCalls(), "nothing to revoke the second time")
	})

	t.Run("unreachable service still signs out", func(t *testing.T) {
		f := authstubtest.New(t)
		tb := openTab(t, f.URL, newOrigin(), nil)
		require.NoError(t, tb.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))
		f.HTTP.Close()

		require.NoError(t, tb.mgr.Logout(context.Background()))
		require.Equal(t, session.StatusUnauthenticated, tb.mgr.State().Status)
	})
}

func TestCrossTab(t *testing.T) {
	f := authstubtest.New(t)
	origin := newOrigin()
	a := openTab(t, f.URL, origin, nil)
	b := openTab(t, f.URL, origin, nil)
	require.NoError(t, a.mgr.Start(context.Background()))
	require.NoError(t, b.mgr.Start(context.Background()))

	require.NoError(t, a.mgr.Login(context.Background(), loginAs(authstubtest.TeacherEmail)))
	require.Eventually(t, b.mgr.IsTeacher, waitFor, 10*time.Millisecond, "sign-in reaches the other tab")

	require.NoError(t, a.mgr.Logout(context.Background()))
	require.Eventually(t, func() bool {
		return b.mgr.State().Status == session.StatusUnauthenticated
	}, waitFor, 10*time.Millisecond, "sign-out reaches the other tab")
	require.False(t, b.mgr.IsTeacher())
}

func TestLogoutDuringRenewal(t *testing.T) {
	f := authstubtest.New(t)
	origin := newOrigin()
	a := openTab(t, f.URL, origin, nil)
	b := openTab(t, f.URL, origin, nil)
	require.NoError(t, a.mgr.Login(context.Background(), loginAs(authstubtest.StudentEmail)))
	require.Eventually(t, b.mgr.IsStudent, waitFor, 10*time.Millisecond)

	f.Stub.RevokeAccessTokens()
	f.Stub.SetRefreshDelay(300 * time.Millisecond)
	f.Stub.FailLogout(true)

	inFlight := make(chan error, 1)
	go func() {
		_, err := a.client.Get(context.Background(), "/courses")
		inFlight <- err
	}()
	require.Eventually(t, func() bool { return f.Stub.RefreshCalls() == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, a.mgr.Logout(context.Background()))

	err := <-inFlight
	require.ErrorIs(t, err, refresh.ErrSessionEnded)
	for _, tb := range []*tab{a, b} {
		_, ok := tb.store.Get()
		require.False(t, ok, "renewed pair must not bring the session back")
	}
	require.Equal(t, session.StatusUnauthenticated, a.mgr.State().Status)
	require.Eventually(t, func() bool {
		return b.mgr.State().Status == session.StatusUnauthenticated
	}, waitFor, 10*time.Millisecond)
	require.False(t, b.mgr.IsStudent())
}

// gatedAPI holds profile responses until released.
type gatedAPI struct {
	session.API
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAPI) Request(ctx context.Context, method, path string, body any, opts ...httpclient.RequestOption) (*httpclient.Response, error) {
	resp, err := g.API.Request(ctx, method, path, body, opts...)
	if path == session.PathProfile {
		g.entered <- struct{}{}
		<-g.release
	}
	return resp, err
}

func TestStaleCheckAfterLogout(t *testing.T) {
	f := authstubtest.New(t)
	origin := newOrigin()
	seed := openTab(t, f.URL, origin, nil)
	require.NoError(t, seed.mgr.Login(context.Background(), loginAs(authstubtest.AdminEmail)))

	gate := &gatedAPI{entered: make(chan struct{}, 1), release: make(chan struct{})}
	tb := openTab(t, f.URL, origin, func(api session.API) session.API {
		gate.API = api
		return gate
	})
	startErr := make(chan error, 1)
	go func() { startErr <- tb.mgr.Start(context.Background()) }()

	<-gate.entered
	require.True(t, tb.mgr.IsLoading())
	require.NoError(t, tb.mgr.Logout(context.Background()))
	close(gate.release)

	require.ErrorIs(t, <-startErr, session.ErrSuperseded)
	require.Equal(t, session.StatusUnauthenticated, tb.mgr.State().Status)
	require.False(t, tb.mgr.IsAdmin())
	_, ok := tb.store.Profile()
	require.False(t, ok)
}
