package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrsteele09/go-learn-session/portal"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the student, teacher and admin portal",
	Long: `Serves the web portal on portal.listen_addr. The portal shares this
machine's session: signing in or out here is seen by learnctl and by any
other portal using the same credential store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(cmd.Context())
		addr := a.cfg.GetPortalAddr()
		if serveAddr != "" {
			addr = serveAddr
		}

		p := portal.New(a.session, a.client,
			portal.WithAppName(a.cfg.GetAppName()),
			portal.WithRoutes(a.cfg),
			portal.WithLongTimeout(a.cfg.GetLongRequestTimeout()),
			portal.WithMetrics(a.metrics),
		)
		server := &http.Server{Addr: addr, Handler: p, ReadHeaderTimeout: 10 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- listenAndServe(server) }()
		pterm.Info.Printf("Portal listening on http://%s\n", addr)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(stop)

		select {
		case err := <-errCh:
			return err
		case <-stop:
		}
		return shutdown(server)
	},
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("portal listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides portal.listen_addr")
}
