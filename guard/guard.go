// Package guard gates route trees on the session state. One Guard type
// serves every role; Student, Teacher and Admin differ only in the
// predicate they check.
package guard

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-learn-session/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultLoginPath = "/login"
	DefaultHomePath  = "/"

	// NextParam carries the originally requested location through login.
	NextParam = "next"
)

var (
	ErrLoading       = errors.New("session check in progress")
	ErrLoginRequired = errors.New("login required")
	ErrForbidden     = errors.New("not permitted for this role")
)

// Source is anything that reports the current session state.
type Source interface {
	State() session.State
}

// Predicate decides whether an authenticated session may enter.
type Predicate func(session.State) bool

type Outcome int

const (
	Loading Outcome = iota
	RedirectLogin
	RedirectHome
	Granted
)

func (o Outcome) String() string {
	switch o {
	case Loading:
		return "loading"
	case RedirectLogin:
		return "redirect_login"
	case RedirectHome:
		return "redirect_home"
	case Granted:
		return "granted"
	default:
		return "unknown"
	}
}

// Decision is the result of Decide. Location is set for redirects.
type Decision struct {
	Outcome  Outcome
	Location string
}

type Guard struct {
	name      string
	source    Source
	allow     Predicate
	loginPath string
	homePath  string
	loading   http.Handler
	logger    zerolog.Logger
}

type Option func(*Guard)

func WithLoginPath(p string) Option {
	return func(g *Guard) { g.loginPath = p }
}

func WithHomePath(p string) Option {
	return func(g *Guard) { g.homePath = p }
}

// WithLoadingHandler replaces the page served while the session is checked.
func WithLoadingHandler(h http.Handler) Option {
	return func(g *Guard) { g.loading = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

func New(name string, source Source, allow Predicate, opts ...Option) *Guard {
	g := &Guard{
		name:      name,
		source:    source,
		allow:     allow,
		loginPath: DefaultLoginPath,
		homePath:  DefaultHomePath,
		loading:   http.HandlerFunc(loadingPage),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func Student(source Source, opts ...Option) *Guard {
	return New("student", source, session.State.IsStudent, opts...)
}

func Teacher(source Source, opts ...Option) *Guard {
	return New("teacher", source, session.State.IsTeacher, opts...)
}

func Admin(source Source, opts ...Option) *Guard {
	return New("admin", source, session.State.IsAdmin, opts...)
}

func (g *Guard) Name() string {
	return g.name
}

// Decide maps the current session state to an outcome for target, the
// location the user asked for.
func (g *Guard) Decide(target string) Decision {
	s := g.source.State()
	switch {
	case s.IsLoading():
		return Decision{Outcome: Loading}
	case s.Status != session.StatusAuthenticated:
		return Decision{Outcome: RedirectLogin, Location: g.loginLocation(target)}
	case !g.allow(s):
		return Decision{Outcome: RedirectHome, Location: g.homePath}
	default:
		return Decision{Outcome: Granted}
	}
}

func (g *Guard) loginLocation(target string) string {
	if !isLocalPath(target) {
		return g.loginPath
	}
	return g.loginPath + "?" + url.Values{NextParam: {target}}.Encode()
}

// Middleware gates next. Redirects use 303 so a guarded POST becomes a GET.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r.URL.RequestURI())
		switch d.Outcome {
		case Granted:
			next.ServeHTTP(w, r)
		case Loading:
			g.loading.ServeHTTP(w, r)
		default:
			g.logger.Debug().Str("guard", g.name).Str("path", r.URL.Path).Str("outcome", d.Outcome.String()).Msg("route denied")
			http.Redirect(w, r, d.Location, http.StatusSeeOther)
		}
	})
}

// Check is the non-HTTP form of Decide for command trees.
func (g *Guard) Check(target string) error {
	switch g.Decide(target).Outcome {
	case Loading:
		return fmt.Errorf("%s: %w", g.name, ErrLoading)
	case RedirectLogin:
		return fmt.Errorf("%s: %w", g.name, ErrLoginRequired)
	case RedirectHome:
		return fmt.Errorf("%s: %w", g.name, ErrForbidden)
	default:
		return nil
	}
}

// ReturnTo is the location to send the user to after login: the next
// parameter when it is a local path, otherwise home.
func ReturnTo(r *http.Request, home string) string {
	next := r.URL.Query().Get(NextParam)
	if next == "" && r.Method == http.MethodPost {
		next = r.PostFormValue(NextParam)
	}
	if !isLocalPath(next) {
		return home
	}
	return next
}

// isLocalPath accepts absolute paths on this host only.
func isLocalPath(p string) bool {
	if p == "" || p[0] != '/' || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

func loadingPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Refresh", "1")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<!doctype html><title>Loading</title><p>Loading…</p>`))
}
