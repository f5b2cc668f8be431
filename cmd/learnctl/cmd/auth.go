package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/session"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage authentication",
	Long:  `Commands for managing authentication and login status.`,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the learning platform",
	Long: `Signs in with an email address and password. The password is read from
LEARN_PASSWORD or prompted for when it is not passed with --password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(cmd.Context())

		email := strings.TrimSpace(loginEmail)
		password := loginPassword
		if password == "" {
			password = os.Getenv("LEARN_PASSWORD")
		}
		if !nonInteractive {
			var err error
			if email == "" {
				if email, err = pterm.DefaultInteractiveTextInput.Show("Email"); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password"); err != nil {
					return err
				}
			}
		}

		err := a.session.Login(cmd.Context(), session.LoginRequest{Email: strings.TrimSpace(email), Password: password})
		var ve *httpclient.ValidationError
		switch {
		case err == nil:
		case errors.Is(err, session.ErrInvalidLogin):
			return fmt.Errorf("an email address and password are required")
		case errors.Is(err, httpclient.ErrUnauthorized):
			return fmt.Errorf("incorrect email or password")
		case errors.As(err, &ve) && ve.Message != "":
			return fmt.Errorf("login rejected: %s", ve.Message)
		default:
			return fmt.Errorf("login failed: %w", err)
		}

		user, _ := a.session.CurrentUser()
		fmt.Println("------------------------------------------------------------")
		pterm.Success.Println("Login successful!")
		fmt.Printf("Authenticated as: %s (%s), role %s\n", user.DisplayName(), user.Email, a.session.State().Role)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out of the learning platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(cmd.Context())
		if err := a.session.Logout(cmd.Context()); err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}
		fmt.Println("Logged out successfully")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(cmd.Context())
		s := a.session.State()
		if !s.IsAuthenticated() {
			if s.Err != nil {
				return fmt.Errorf("not logged in: %w", s.Err)
			}
			return fmt.Errorf("not logged in")
		}

		pterm.DefaultSection.Println("Authentication Status")
		if cred, ok := a.store.Get(); ok && !cred.Expiry().IsZero() {
			pterm.Info.Printf("Logged in with token expiring at: %s\n", cred.Expiry().Format(time.RFC1123))
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tEMAIL\tROLE\tCLAIMS")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Profile.DisplayName(),
			s.Profile.Email,
			s.Role,
			strings.Join(s.Profile.Roles, ", "),
		)
		w.Flush()
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email address")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (prefer LEARN_PASSWORD or the prompt)")

	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	authCmd.AddCommand(statusCmd)
}
