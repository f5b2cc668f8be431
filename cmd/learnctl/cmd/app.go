package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/guard"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/internal/config"
	"github.com/jrsteele09/go-learn-session/internal/metrics"
	"github.com/jrsteele09/go-learn-session/refresh"
	"github.com/jrsteele09/go-learn-session/session"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
)

// app is the client stack shared by every command.
type app struct {
	cfg     *config.Settings
	store   credentials.ClosableStore
	client  *httpclient.Client
	coord   *refresh.Coordinator
	session *session.Manager
	metrics *metrics.Metrics
}

type appKey struct{}

func withApp(ctx context.Context, a *app) context.Context {
	return context.WithValue(ctx, appKey{}, a)
}

func appFrom(ctx context.Context) (*app, bool) {
	a, ok := ctx.Value(appKey{}).(*app)
	return a, ok
}

func mustApp(ctx context.Context) *app {
	a, ok := appFrom(ctx)
	if !ok {
		panic("learnctl: command context has no client stack")
	}
	return a
}

func newApp(ctx context.Context, cfg *config.Settings) (*app, error) {
	store, err := credentials.Open(cfg, credentials.WithLogger(log.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	m := metrics.New()
	client := httpclient.New(cfg.GetBaseURL(), store,
		httpclient.WithDefaultTimeout(cfg.GetRequestTimeout()),
		httpclient.WithMetrics(m),
	)
	coord := refresh.New(store, client,
		refresh.WithTimeout(cfg.GetRefreshTimeout()),
		refresh.WithMetrics(m),
	)
	client.SetRefresher(coord)

	mgr := session.New(store, client,
		session.WithMetrics(m),
		session.WithLogoutTimeout(cfg.GetLogoutTimeout()),
		session.WithCheckTimeout(cfg.GetRequestTimeout()),
		session.WithRefreshCoordinator(coord),
	)
	mgr.OnLoginRequired(func(reason error) {
		pterm.Warning.Printf("Your session has ended (%v). Run 'learnctl auth login' to sign in again.\n", reason)
	})

	if err := mgr.Start(ctx); err != nil && !errors.Is(err, httpclient.ErrUnauthorized) {
		log.Debug().Err(err).Msg("session check at startup")
	}

	return &app{cfg: cfg, store: store, client: client, coord: coord, session: mgr, metrics: m}, nil
}

func (a *app) Close() {
	a.session.Close()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing credential store")
	}
}

// require checks g against the current session and explains a refusal.
func (a *app) require(g *guard.Guard, what string) error {
	err := g.Check(what)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, guard.ErrLoginRequired):
		return fmt.Errorf("not logged in, run 'learnctl auth login' first")
	case errors.Is(err, guard.ErrForbidden):
		return fmt.Errorf("%s requires the %s role, you are signed in as %s", what, g.Name(), a.session.State().Role)
	default:
		return err
	}
}
