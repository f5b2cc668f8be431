package guard_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/guard"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/internal/authstub/authstubtest"
	"github.com/jrsteele09/go-learn-session/refresh"
	"github.com/jrsteele09/go-learn-session/session"
	"github.com/jrsteele09/go-learn-session/users"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fixed session.State

func (f fixed) State() session.State { return session.State(f) }

func signedIn(role users.Role) fixed {
	return fixed{Status: session.StatusAuthenticated, Role: role}
}

func guards(src guard.Source) map[string]*guard.Guard {
	opts := []guard.Option{guard.WithLogger(zerolog.Nop())}
	return map[string]*guard.Guard{
		"student": guard.Student(src, opts...),
		"teacher": guard.Teacher(src, opts...),
		"admin":   guard.Admin(src, opts...),
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name  string
		state fixed
		want  map[string]guard.Outcome
	}{
		{
			name:  "teacher",
			state: signedIn(users.RoleTeacher),
			want:  map[string]guard.Outcome{"student": guard.RedirectHome, "teacher": guard.Granted, "admin": guard.RedirectHome},
		},
		{
			name:  "student",
			state: signedIn(users.RoleStudent),
			want:  map[string]guard.Outcome{"student": guard.Granted, "teacher": guard.RedirectHome, "admin": guard.RedirectHome},
		},
		{
			name:  "admin",
			state: signedIn(users.RoleAdmin),
			want:  map[string]guard.Outcome{"student": guard.RedirectHome, "teacher": guard.RedirectHome, "admin": guard.Granted},
		},
		{
			name:  "no known role",
			state: signedIn(users.RoleNone),
			want:  map[string]guard.Outcome{"student": guard.RedirectHome, "teacher": guard.RedirectHome, "admin": guard.RedirectHome},
		},
		{
			name:  "signed out",
			state: fixed{Status: session.StatusUnauthenticated},
			want:  map[string]guard.Outcome{"student": guard.RedirectLogin, "teacher": guard.RedirectLogin, "admin": guard.RedirectLogin},
		},
		{
			name:  "unknown",
			state: fixed{Status: session.StatusUnknown},
			want:  map[string]guard.Outcome{"student": guard.Loading, "teacher": guard.Loading, "admin": guard.Loading},
		},
		{
			name:  "checking",
			state: fixed{Status: session.StatusChecking, Role: users.RoleAdmin},
			want:  map[string]guard.Outcome{"student": guard.Loading, "teacher": guard.Loading, "admin": guard.Loading},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for name, g := range guards(tt.state) {
				d := g.Decide("/" + name + "/dashboard")
				require.Equal(t, tt.want[name], d.Outcome, "guard %s", name)
				switch d.Outcome {
				case guard.RedirectHome:
					require.Equal(t, "/", d.Location)
				case guard.RedirectLogin:
					require.Equal(t, "/login?next=%2F"+name+"%2Fdashboard", d.Location)
				}
			}
		})
	}
}

func TestLoginLocationDropsForeignTargets(t *testing.T) {
	g := guard.Admin(fixed{Status: session.StatusUnauthenticated}, guard.WithLoginPath("/signin"))
	require.Equal(t, "/signin", g.Decide("https://evil.example/x").Location)
	require.Equal(t, "/signin", g.Decide("//evil.example/x").Location)
	require.Equal(t, "/signin?next=%2Fadmin%3Ftab%3Dusers", g.Decide("/admin?tab=users").Location)
}

func TestMiddleware(t *testing.T) {
	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("granted", func(t *testing.T) {
		h := guard.Teacher(signedIn(users.RoleTeacher)).Middleware(protected)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teacher/courses", nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		h := guard.Admin(signedIn(users.RoleTeacher)).Middleware(protected)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/users", nil))
		require.Equal(t, http.StatusSeeOther, rec.Code)
		require.Equal(t, "/", rec.Header().Get("Location"))
	})

	t.Run("signed out keeps the target", func(t *testing.T) {
		h := guard.Student(fixed{Status: session.StatusUnauthenticated}).Middleware(protected)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/student/lessons?page=2", nil))
		require.Equal(t, http.StatusSeeOther, rec.Code)

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		require.Equal(t, "/login", loc.Path)
		require.Equal(t, "/student/lessons?page=2", loc.Query().Get(guard.NextParam))
	})

	t.Run("loading", func(t *testing.T) {
		h := guard.Student(fixed{Status: session.StatusChecking}).Middleware(protected)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/student", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("Location"))
		require.Contains(t, rec.Body.String(), "Loading")
	})
}

func TestCheck(t *testing.T) {
	require.NoError(t, guard.Admin(signedIn(users.RoleAdmin)).Check("admin users"))
	require.ErrorIs(t, guard.Admin(signedIn(users.RoleStudent)).Check("admin users"), guard.ErrForbidden)
	require.ErrorIs(t, guard.Teacher(fixed{Status: session.StatusUnauthenticated}).Check("lessons"), guard.ErrLoginRequired)
	require.ErrorIs(t, guard.Student(fixed{}).Check("courses"), guard.ErrLoading)
}

func TestReturnTo(t *testing.T) {
	tests := []struct {
		next string
		want string
	}{
		{next: "/teacher/courses", want: "/teacher/courses"},
		{next: "/student?x=1", want: "/student?x=1"},
		{next: "", want: "/"},
		{next: "https://evil.example", want: "/"},
		{next: "//evil.example", want: "/"},
		{next: "/\\evil.example", want: "/"},
		{next: "relative/path", want: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.next, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/login?"+url.Values{guard.NextParam: {tt.next}}.Encode(), nil)
			require.Equal(t, tt.want, guard.ReturnTo(r, "/"))
		})
	}

	t.Run("form post", func(t *testing.T) {
		form := url.Values{guard.NextParam: {"/admin"}}
		r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		require.Equal(t, "/admin", guard.ReturnTo(r, "/"))
	})
}

func TestStudentLoginExample(t *testing.T) {
	f := authstubtest.New(t)
	store := credentials.NewMemoryOrigin(credentials.WithLogger(zerolog.Nop())).Open()
	client := httpclient.New(f.URL, store, httpclient.WithLogger(zerolog.Nop()))
	coord := refresh.New(store, client, refresh.WithLogger(zerolog.Nop()))
	client.SetRefresher(coord)
	mgr := session.New(store, client, session.WithLogger(zerolog.Nop()), session.WithRefreshCoordinator(coord))
	t.Cleanup(mgr.Close)

	studentRoute := guard.Student(mgr)
	teacherRoute := guard.Teacher(mgr)
	require.Equal(t, guard.Loading, studentRoute.Decide("/student").Outcome)

	require.NoError(t, mgr.Login(context.Background(), session.LoginRequest{
		Email:    authstubtest.StudentEmail,
		Password: authstubtest.Password,
	}))
	_, ok := store.Get()
	require.True(t, ok)
	require.True(t, mgr.IsStudent())
	require.False(t, mgr.IsTeacher())

	require.Equal(t, guard.Granted, studentRoute.Decide("/student").Outcome)
	d := teacherRoute.Decide("/teacher")
	require.Equal(t, guard.RedirectHome, d.Outcome)
	require.Equal(t, "/", d.Location)

	require.NoError(t, mgr.Logout(context.Background()))
	for _, g := range guards(mgr) {
		require.Equal(t, guard.RedirectLogin, g.Decide("/"+g.Name()).Outcome)
	}
}
