// Package session owns the client's view of who is signed in. A Manager
// drives the Unknown -> Checking -> Authenticated | Unauthenticated state
// machine from login, logout, profile checks and changes other processes
// make to the shared credential store.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/internal/metrics"
	"github.com/jrsteele09/go-learn-session/refresh"
	"github.com/jrsteele09/go-learn-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Remote endpoints
const (
	PathLogin   = "/auth/login"
	PathProfile = "/auth/profile"
	PathLogout  = "/auth/logout"
)

const (
	DefaultLogoutTimeout = 3 * time.Second
	DefaultCheckTimeout  = 10 * time.Second
)

var (
	// ErrInvalidLogin is returned when a LoginRequest fails local validation.
	// The remote service is not called.
	ErrInvalidLogin = errors.New("invalid login request")

	// ErrSuperseded is returned when a profile check finished after a logout
	// or a newer check. Its result was discarded.
	ErrSuperseded = errors.New("session changed while the check was running")
)

// API is the transport the manager calls the remote service through.
type API interface {
	Request(ctx context.Context, method, path string, body any, opts ...httpclient.RequestOption) (*httpclient.Response, error)
}

// FailureNotifier reports sessions ended by a failed credential renewal.
type FailureNotifier interface {
	OnFailure(h refresh.FailureHandler) (unregister func())
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	credentials.TokenResponse
	User users.Profile `json:"user"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type Manager struct {
	store         credentials.Store
	api           API
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	validate      *validator.Validate
	now           func() time.Time
	logoutTimeout time.Duration
	checkTimeout  time.Duration
	notifier      FailureNotifier

	mu     sync.RWMutex
	state  State
	gen    uint64 // bumped on every transition
	closed bool

	pubMu     sync.Mutex
	published State

	subs          registry[State]
	loginRequired registry[error]

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bg        sync.WaitGroup
	detach    []func()
	closeOnce sync.Once
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogoutTimeout bounds the best-effort remote logout call.
func WithLogoutTimeout(d time.Duration) Option {
	return func(m *Manager) { m.logoutTimeout = d }
}

// WithCheckTimeout bounds profile checks started by store changes.
func WithCheckTimeout(d time.Duration) Option {
	return func(m *Manager) { m.checkTimeout = d }
}

// WithRefreshCoordinator ends the session and asks for a login whenever n
// reports a failed renewal.
func WithRefreshCoordinator(n FailureNotifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// New builds a manager in the Unknown state. Call Start to resolve it.
func New(store credentials.Store, api API, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		api:           api,
		logger:        log.Logger,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		now:           time.Now,
		logoutTimeout: DefaultLogoutTimeout,
		checkTimeout:  DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())

	m.detach = append(m.detach, store.Subscribe(m.onStoreEvent))
	if m.notifier != nil {
		m.detach = append(m.detach, m.notifier.OnFailure(m.onRenewalFailure))
	}
	return m
}

// Close detaches the manager from the store and the coordinator and waits
// for background checks to finish.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		for _, fn := range m.detach {
			fn()
		}
		m.bgCancel()
		m.bg.Wait()
	})
}

// Start resolves the initial state: Unauthenticated without a stored
// credential, otherwise Checking followed by a profile fetch. Any failure
// clears the stored credential.
func (m *Manager) Start(ctx context.Context) error {
	if _, ok := m.store.Get(); !ok {
		m.advance(State{Status: StatusUnauthenticated})
		return nil
	}
	gen := m.advance(State{Status: StatusChecking})
	return m.check(ctx, gen, State{}, false)
}

// Refresh repeats the profile check. When the session was Authenticated
// and the check fails for a transient reason (network or 5xx), the previous
// state is kept and the error returned.
func (m *Manager) Refresh(ctx context.Context) error {
	prev := m.State()
	if _, ok := m.store.Get(); !ok {
		m.advance(State{Status: StatusUnauthenticated})
		return nil
	}
	gen := m.advance(State{Status: StatusChecking, Profile: prev.Profile, Role: prev.Role})
	return m.check(ctx, gen, prev, prev.Status == StatusAuthenticated)
}

// Login exchanges email and password for a credential pair, stores it and
// runs the profile check. Errors reported by the remote service are returned
// unchanged.
func (m *Manager) Login(ctx context.Context, req LoginRequest) error {
	if err := m.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLogin, err)
	}

	resp, err := m.api.Request(ctx, http.MethodPost, PathLogin, req, httpclient.WithoutCredential())
	if err != nil {
		return err
	}
	var lr loginResponse
	if err := resp.Decode(&lr); err != nil {
		return fmt.Errorf("login response: %w", err)
	}
	cred, err := lr.Credential(m.now())
	if err != nil {
		return fmt.Errorf("login response: %w", err)
	}

	gen := m.advance(State{Status: StatusChecking})
	if err := m.store.Set(cred); err != nil && !errors.Is(err, credentials.ErrNotPersisted) {
		m.commit(gen, State{Status: StatusUnauthenticated, Err: err})
		return fmt.Errorf("store credential: %w", err)
	}
	m.logger.Info().Str("email", lr.User.Email).Msg("signed in")
	return m.check(ctx, gen, State{}, false)
}

// Logout tells the remote service to revoke the refresh token, then clears
// the local session whatever the outcome of that call.
func (m *Manager) Logout(ctx context.Context) error {
	cred, hadCredential := m.store.Get()
	m.advance(State{Status: StatusUnauthenticated})

	if hadCredential {
		callCtx, cancel := context.WithTimeout(ctx, m.logoutTimeout)
		_, err := m.api.Request(callCtx, http.MethodPost, PathLogout,
			logoutRequest{RefreshToken: cred.RefreshToken}, httpclient.WithoutAuthRetry())
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Msg("remote logout failed, clearing local session anyway")
		}
	}

	if err := m.store.Clear(); err != nil && !errors.Is(err, credentials.ErrNotPersisted) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	m.logger.Info().Msg("signed out")
	return nil
}

// check fetches the profile for the transition numbered gen. keepOnTransient
// restores prev instead of signing out when the failure was transient.
func (m *Manager) check(ctx context.Context, gen uint64, prev State, keepOnTransient bool) error {
	var profile users.Profile
	resp, err := m.api.Request(ctx, http.MethodGet, PathProfile, nil)
	if err == nil {
		err = resp.Decode(&profile)
	}

	if err != nil {
		if keepOnTransient && isTransient(err) {
			prev.Err = err
			m.commit(gen, prev)
			m.logger.Warn().Err(err).Msg("profile check failed, keeping session")
			return err
		}
		if !m.commit(gen, State{Status: StatusUnauthenticated, Err: err}) {
			return err
		}
		m.logger.Warn().Err(err).Msg("profile check failed, clearing session")
		if clearErr := m.store.Clear(); clearErr != nil && !errors.Is(clearErr, credentials.ErrNotPersisted) {
			m.logger.Error().Err(clearErr).Msg("clear credentials")
		}
		return err
	}

	if !m.current(gen) {
		return ErrSuperseded
	}
	if err := m.store.SetProfile(profile); err != nil {
		if errors.Is(err, credentials.ErrSignedOut) {
			return fmt.Errorf("%w: %w", ErrSuperseded, err)
		}
		m.logger.Warn().Err(err).Msg("cache profile")
	}

	role := profile.DerivedRole()
	if !m.commit(gen, State{Status: StatusAuthenticated, Profile: profile, Role: role}) {
		return ErrSuperseded
	}
	if role == users.RoleNone {
		m.logger.Warn().Str("user", profile.ID).Msg("profile carries no known role")
	}
	return nil
}

// isTransient reports failures that say nothing about the credential.
func isTransient(err error) bool {
	return errors.Is(err, httpclient.ErrNetwork) ||
		errors.Is(err, httpclient.ErrServer) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) onStoreEvent(ev credentials.Event) {
	switch ev.Kind {
	case credentials.EventCleared:
		if m.advanceIf(func(s State) bool { return s.Status != StatusUnauthenticated }, State{Status: StatusUnauthenticated}) && ev.External {
			m.logger.Info().Msg("session ended elsewhere")
		}
	case credentials.EventSet:
		if ev.External && m.State().Status != StatusAuthenticated {
			m.recheck()
		}
	case credentials.EventProfile:
		if ev.External {
			m.advanceIf(func(s State) bool { return s.Status == StatusAuthenticated },
				State{Status: StatusAuthenticated, Profile: ev.Profile, Role: ev.Profile.DerivedRole()})
		}
	}
}

// recheck runs Start in the background after another process signed in.
func (m *Manager) recheck() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(m.bgCtx, m.checkTimeout)
		defer cancel()
		if err := m.Start(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
			m.logger.Debug().Err(err).Msg("session check after external sign-in")
		}
	}()
}

func (m *Manager) onRenewalFailure(reason error) {
	m.advance(State{Status: StatusUnauthenticated, Err: reason})
	m.logger.Info().Err(reason).Msg("login required")
	for _, fn := range m.loginRequired.snapshot() {
		fn(reason)
	}
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentUser returns the profile of the signed-in user.
func (m *Manager) CurrentUser() (users.Profile, bool) {
	s := m.State()
	return s.Profile, s.IsAuthenticated()
}

func (m *Manager) IsLoading() bool { return m.State().IsLoading() }
func (m *Manager) IsAdmin() bool   { return m.State().IsAdmin() }
func (m *Manager) IsTeacher() bool { return m.State().IsTeacher() }
func (m *Manager) IsStudent() bool { return m.State().IsStudent() }

// Subscribe calls fn with each new state. fn runs on the goroutine that
// caused the change and must not call Manager methods that change state.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.subs.add(fn)
}

// OnLoginRequired calls fn when a failed credential renewal ended the
// session, so the UI can send the user to the login page.
func (m *Manager) OnLoginRequired(fn func(reason error)) (unregister func()) {
	return m.loginRequired.add(fn)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen == gen
}

func (m *Manager) advance(next State) uint64 {
	m.mu.Lock()
	gen := m.apply(next)
	m.mu.Unlock()
	m.publish()
	return gen
}

// commit applies next only if no transition happened since gen.
func (m *Manager) commit(gen uint64, next State) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.apply(next)
	m.mu.Unlock()
	m.publish()
	return true
}

func (m *Manager) advanceIf(cond func(State) bool, next State) bool {
	m.mu.Lock()
	if !cond(m.state) {
		m.mu.Unlock()
		return false
	}
	m.apply(next)
	m.mu.Unlock()
	m.publish()
	return true
}

// apply must be called with mu held.
func (m *Manager) apply(next State) uint64 {
	prev := m.state
	m.gen++
	m.state = next
	if prev.Status != next.Status {
		m.metrics.Transition(next.Status.String())
		m.logger.Debug().Str("from", prev.Status.String()).Str("to", next.Status.String()).Msg("session transition")
	}
	return m.gen
}

func (m *Manager) publish() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	s := m.State()
	if s.same(m.published) {
		return
	}
	m.published = s
	for _, fn := range m.subs.snapshot() {
		fn(s)
	}
}

type registry[T any] struct {
	mu   sync.Mutex
	next int
	m    map[int]func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[int]func(T))
	}
	id := r.next
	r.next++
	r.m[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.m, id)
		r.mu.Unlock()
	}
}

func (r *registry[T]) snapshot() []func(T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.m[id])
	}
	return fns
}
