package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jrsteele09/go-learn-session/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile     string
	baseURL        string
	nonInteractive bool
)

var rootCmd = &cobra.Command{
	Use:   "learnctl",
	Short: "Learn CLI - sign in and use the learning platform",
	Long: `learnctl keeps a signed-in session with the learning platform. The
session is shared with every other learnctl process and portal that uses
the same credential store, so signing out in one signs out all of them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv("LEARN_NON_INTERACTIVE") == "1" {
			nonInteractive = true
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if baseURL != "" {
			cfg.Client.BaseURL = strings.TrimRight(baseURL, "/")
		}
		setupLogging(cfg)

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		cmd.SetContext(withApp(cmd.Context(), a))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if a, ok := appFrom(cmd.Context()); ok {
			a.Close()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./learn.yaml or $HOME/.learnctl/learn.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "server", "", "Platform API URL, overrides client.base_url")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Disable interactive prompts (also set via LEARN_NON_INTERACTIVE=1)")

	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(coursesCmd)
	rootCmd.AddCommand(lessonsCmd)
	rootCmd.AddCommand(adminCmd)
}

func setupLogging(cfg config.EnvConfig) {
	level, err := zerolog.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
