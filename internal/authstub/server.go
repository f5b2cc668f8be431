// Package authstub is an in-process stand-in for the platform's remote auth
// and content API. It issues HS256 access tokens and rotating opaque refresh
// tokens and exposes knobs that let tests force expiry, rejection and delay.
package authstub

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-learn-session/internal/authstub/token"
	"github.com/jrsteele09/go-learn-session/internal/authstub/token/refresh"
	refreshrepofake "github.com/jrsteele09/go-learn-session/internal/authstub/token/refresh/repofake"
	"github.com/jrsteele09/go-learn-session/internal/config"
	"github.com/jrsteele09/go-learn-session/users"
	fakeuserrepo "github.com/jrsteele09/go-learn-session/users/repofake"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config is the subset of settings the stub reads.
type Config interface {
	config.EnvConfig
	config.StubConfig
}

type Server struct {
	env    string
	mux    *http.ServeMux
	routes []string
	logger zerolog.Logger

	users  users.UserRepo
	tokens *token.Manager

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once

	// test knobs
	refreshCalls  atomic.Int64
	profileCalls  atomic.Int64
	logoutCalls   atomic.Int64
	rejectRefresh atomic.Bool
	failLogout    atomic.Bool
	failProfile   atomic.Int32
	knobMu        sync.RWMutex
	refreshDelay  time.Duration
}

type Option func(*options)

type options struct {
	logger          zerolog.Logger
	nowFunc         func() time.Time
	cleanupInterval time.Duration
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNowFunc sets the clock used for token issue and expiry.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) { o.nowFunc = now }
}

// WithCleanupInterval sets how often expired revocations are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.cleanupInterval = d }
}

func New(cfg Config, opts ...Option) (*Server, error) {
	o := options{logger: log.Logger, nowFunc: time.Now, cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	userRepo := fakeuserrepo.NewFakeUserRepo()
	refreshManager := refresh.NewManager(refreshrepofake.NewFakeRefreshRepo(), cfg.GetStubRefreshTokenExpiry(),
		refresh.WithNowFunc(o.nowFunc))
	tokens := token.New(refreshManager, userRepo, token.NewHMACSigner(cfg.GetStubSigningSecret()),
		token.WithIssuer(cfg.GetAppName()),
		token.WithAccessTokenExpiry(cfg.GetStubAccessTokenExpiry()),
		token.WithNowFunc(o.nowFunc),
	)

	s := &Server{
		env:         cfg.GetEnv(),
		mux:         http.NewServeMux(),
		logger:      o.logger,
		users:       userRepo,
		tokens:      tokens,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	for _, u := range cfg.GetStubUsers() {
		if _, err := s.AddUser(u.Email, u.Password, u.FirstName, u.LastName, u.Roles...); err != nil {
			return nil, fmt.Errorf("[authstub New] seed user %s: %w", u.Email, err)
		}
	}

	s.initRoutes()
	s.logRoutes()
	go s.cleanupLoop(o.cleanupInterval)
	return s, nil
}

// Close stops the background sweep. The handler keeps serving.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
}

func (s *Server) cleanupLoop(interval time.Duration) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.tokens.CleanupRevokedTokens()
			s.logger.Debug().Int("revoked", s.tokens.RevokedCount()).Msg("swept expired tokens")
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// AddUser creates an account. Passwords are stored as bcrypt hashes.
func (s *Server) AddUser(email, password, firstName, lastName string, roles ...string) (*users.User, error) {
	hash, err := users.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &users.User{
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		Roles:        roles,
		DateJoined:   time.Now().UTC(),
	}
	if err := s.users.Upsert(u); err != nil {
		return nil, err
	}
	return u, nil
}

// BlockUser stops email from logging in or renewing.
func (s *Server) BlockUser(email string) error {
	return s.users.SetBlocked(strings.ToLower(email), true)
}

// SetUserRoles replaces the role claims of an existing account.
func (s *Server) SetUserRoles(email string, roles ...string) error {
	u, err := s.users.GetByEmail(strings.ToLower(email))
	if err != nil {
		return err
	}
	updated := *u
	updated.Roles = roles
	return s.users.Upsert(&updated)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	s.logger.Info().Msgf("[%-19s] %s", color+paddedMethod+ResetColor, path)
}
