// Package portal serves the student, teacher and admin route trees over
// HTTP. Each tree is mounted behind its guard; the portal itself never
// decides who may see what.
package portal

import (
	"context"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jrsteele09/go-learn-session/guard"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/internal/config"
	"github.com/jrsteele09/go-learn-session/internal/metrics"
	"github.com/jrsteele09/go-learn-session/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Portal route paths
const (
	RouteHome    = "/"
	RouteLogin   = "/login"
	RouteLogout  = "/logout"
	RouteSession = "/session"
	RouteMetrics = "/metrics"

	RouteStudent = "/student"
	RouteTeacher = "/teacher"
	RouteAdmin   = "/admin"
)

// Collaborator API paths
const (
	apiCourses    = "/courses"
	apiAILessons  = "/ai/lessons"
	apiAdminUsers = "/admin/users"
)

// Session is the part of session.Manager the portal drives.
type Session interface {
	guard.Source
	Login(ctx context.Context, req session.LoginRequest) error
	Logout(ctx context.Context) error
}

// API is the authenticated transport for collaborator endpoints.
type API interface {
	Request(ctx context.Context, method, path string, body any, opts ...httpclient.RequestOption) (*httpclient.Response, error)
}

type Portal struct {
	router      chi.Router
	session     Session
	api         API
	appName     string
	loginPath   string
	homePath    string
	longTimeout time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	homeTmpl    *template.Template
	loginTmpl   *template.Template
	coursesTmpl *template.Template
	teacherTmpl *template.Template
}

type Option func(*Portal)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Portal) { p.logger = l }
}

// WithMetrics also exposes the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Portal) { p.metrics = m }
}

// WithRoutes takes the login and home paths from cfg.
func WithRoutes(cfg config.RouteConfig) Option {
	return func(p *Portal) {
		p.loginPath = cfg.GetLoginPath()
		p.homePath = cfg.GetHomePath()
	}
}

func WithAppName(name string) Option {
	return func(p *Portal) { p.appName = name }
}

// WithLongTimeout sets the timeout for AI lesson generation.
func WithLongTimeout(d time.Duration) Option {
	return func(p *Portal) { p.longTimeout = d }
}

func New(s Session, api API, opts ...Option) *Portal {
	p := &Portal{
		session:     s,
		api:         api,
		appName:     "Learn",
		loginPath:   RouteLogin,
		homePath:    RouteHome,
		longTimeout: httpclient.DefaultLongTimeout,
		logger:      log.Logger,
		homeTmpl:    mustParseTemplate("home.html"),
		loginTmpl:   mustParseTemplate("login.html"),
		coursesTmpl: mustParseTemplate("courses.html"),
		teacherTmpl: mustParseTemplate("teacher.html"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.router = p.routes()
	return p
}

func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func (p *Portal) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(p.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(frameSecurity)

	guardOpts := []guard.Option{
		guard.WithLoginPath(p.loginPath),
		guard.WithHomePath(p.homePath),
		guard.WithLogger(p.logger),
	}

	r.Group(func(r chi.Router) {
		r.Use(noStore)
		r.Get(p.homePath, p.homeHandler)
		r.Get(p.loginPath, p.loginPageHandler)
		r.Post(p.loginPath, p.loginSubmitHandler)
		r.Post(RouteLogout, p.logoutHandler)
		r.Get(RouteSession, p.sessionHandler)
	})

	r.Route(RouteStudent, func(r chi.Router) {
		r.Use(noStore, guard.Student(p.session, guardOpts...).Middleware)
		r.Get("/", p.studentCoursesHandler)
	})

	r.Route(RouteTeacher, func(r chi.Router) {
		r.Use(noStore, guard.Teacher(p.session, guardOpts...).Middleware)
		r.Get("/", p.teacherHomeHandler)
		r.Post("/lessons", p.generateLessonHandler)
	})

	r.Route(RouteAdmin, func(r chi.Router) {
		r.Use(noStore, guard.Admin(p.session, guardOpts...).Middleware)
		r.Get("/users", p.adminUsersHandler)
	})

	if p.metrics != nil {
		r.Handle(RouteMetrics, p.metrics.Handler())
	}
	return r
}
