// Package refresh renews the credential pair when the API rejects an access
// token. At most one renewal is in flight per Coordinator; every caller that
// asks while it runs receives its outcome.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Path is the remote renewal endpoint.
const Path = "/auth/token/refresh"

const (
	renewKey       = "renew"
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrRefreshFailed matches every renewal failure.
	ErrRefreshFailed = errors.New("credential renewal failed")

	// ErrNoRefreshToken is the cause when there was nothing to renew with.
	ErrNoRefreshToken = errors.New("no refresh token stored")

	// ErrSessionEnded is the cause when the session was signed out while the
	// renewal was in flight. The renewed pair is discarded.
	ErrSessionEnded = errors.New("session ended during renewal")
)

// Error is returned to every caller of a failed renewal. The session has
// already been cleared when a caller sees it.
type Error struct {
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential renewal failed: %v", e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	return target == ErrRefreshFailed
}

// Sender is the non-intercepting transport used for the renewal call.
type Sender interface {
	Send(ctx context.Context, method, path string, body any, opts ...httpclient.RequestOption) (*httpclient.Response, error)
}

// FailureHandler runs after the store was cleared because the session could
// not be recovered. Handlers run on the renewing goroutine and must not call
// EnsureFresh.
type FailureHandler func(reason error)

type Coordinator struct {
	store   credentials.Store
	sender  Sender
	group   singleflight.Group
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	nextID   int
	handlers map[int]FailureHandler
}

type Option func(*Coordinator)

// WithTimeout bounds the renewal call itself.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(store credentials.Store, sender Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		sender:   sender,
		timeout:  DefaultTimeout,
		logger:   log.Logger,
		now:      time.Now,
		handlers: make(map[int]FailureHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ httpclient.Refresher = (*Coordinator)(nil)

// OnFailure registers h to run whenever the session is ended by a failed
// renewal or a forced logout.
func (c *Coordinator) OnFailure(h FailureHandler) (unregister func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// EnsureFresh returns a credential newer than stale, renewing it if needed.
// stale is the access token the rejected call carried. Callers that arrive
// while a renewal runs wait for it; if ctx ends first they stop waiting, but
// the renewal continues for the others.
func (c *Coordinator) EnsureFresh(ctx context.Context, stale string) (credentials.Credential, error) {
	if cur, ok := c.store.Get(); ok && cur.AccessToken != stale {
		return cur, nil
	}

	leaderCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(renewKey, func() (any, error) {
		return c.renew(leaderCtx, stale)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RenewalShared()
		}
		if res.Err != nil {
			return credentials.Credential{}, res.Err
		}
		return res.Val.(credentials.Credential), nil
	case <-ctx.Done():
		return credentials.Credential{}, ctx.Err()
	}
}

// Invalidate ends the session without trying to renew. The HTTP client calls
// it when a call is rejected even with a just-renewed credential.
func (c *Coordinator) Invalidate(cause error) {
	c.logger.Warn().Err(cause).Msg("session invalidated")
	c.metrics.ForcedLogout()
	if err := c.store.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("clear credentials after invalidation")
	}
	c.notify(cause)
}

func (c *Coordinator) renew(ctx context.Context, stale string) (credentials.Credential, error) {
	cur, ok := c.store.Get()
	if ok && cur.AccessToken != stale {
		// a renewal finished between the caller's check and this flight
		return cur, nil
	}
	if !ok || cur.RefreshToken == "" {
		return credentials.Credential{}, c.fail(ErrNoRefreshToken)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug().Msg("renewing credential")
	resp, err := c.sender.Send(ctx, http.MethodPost, Path, refreshRequest{RefreshToken: cur.RefreshToken}, httpclient.WithoutAuthRetry())
	if err != nil {
		return credentials.Credential{}, c.fail(err)
	}

	var tr credentials.TokenResponse
	if err := resp.Decode(&tr); err != nil {
		return credentials.Credential{}, c.fail(err)
	}
	fresh, err := tr.Credential(c.now())
	if err != nil {
		return credentials.Credential{}, c.fail(err)
	}

	if err := c.store.Replace(cur, fresh); err != nil {
		switch {
		case errors.Is(err, credentials.ErrCredentialChanged):
			return c.superseded(cur)
		case errors.Is(err, credentials.ErrNotPersisted):
			c.logger.Warn().Err(err).Msg("renewed credential kept in memory only")
		default:
			return credentials.Credential{}, c.fail(err)
		}
	}
	c.metrics.Renewal(true)
	c.logger.Info().Msg("credential renewed")
	return fresh, nil
}

// superseded handles a renewal whose starting pair was replaced or cleared
// while the call was out. A pair stored by someone else is adopted;
// otherwise the user signed out and the renewed pair must not revive it.
func (c *Coordinator) superseded(started credentials.Credential) (credentials.Credential, error) {
	if cur, ok := c.store.Get(); ok && !cur.SamePair(started) {
		c.logger.Debug().Msg("credential replaced during renewal, using the stored one")
		return cur, nil
	}
	c.metrics.Renewal(false)
	c.logger.Info().Msg("signed out during renewal, discarding renewed credential")
	return credentials.Credential{}, &Error{Cause: ErrSessionEnded}
}

func (c *Coordinator) fail(cause error) error {
	err := &Error{Cause: cause}
	c.metrics.Renewal(false)
	c.metrics.ForcedLogout()
	c.logger.Warn().Err(cause).Msg("credential renewal failed, clearing session")
	if clearErr := c.store.Clear(); clearErr != nil {
		c.logger.Warn().Err(clearErr).Msg("clear credentials after failed renewal")
	}
	c.notify(err)
	return err
}

func (c *Coordinator) notify(reason error) {
	c.mu.Lock()
	hs := make([]FailureHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(reason)
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
