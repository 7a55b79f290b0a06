package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/marcus/histsync/internal/output"
	"github.com/marcus/histsync/internal/syncclient"
	"github.com/marcus/histsync/internal/syncconfig"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var registerCmd = &cobra.Command{
	Use:     "register",
	Short:   "Create an account on the sync server",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}

		email, _ := cmd.Flags().GetString("email")
		if email == "" {
			if email, err = prompt("Email: ", false); err != nil {
				return err
			}
		}
		if email == "" {
			return fmt.Errorf("email required")
		}

		serverURL := cfg.ServerURL()
		request, connect := cfg.Timeouts()
		client := syncclient.New(serverURL, "", request, connect)
		resp, err := client.Register(cmd.Context(), email)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		creds := &syncconfig.AuthCredentials{
			Token:     resp.Token,
			UserID:    resp.UserID,
			Email:     resp.Email,
			ServerURL: serverURL,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		output.Success("Registered %s on %s", creds.Email, serverURL)
		fmt.Printf("  token: %s\n", resp.Token)
		output.Info("Use this token with 'histsync login' on your other machines.")
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:     "login",
	Short:   "Log in to the sync server with an API token",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			if token, err = prompt("Token: ", true); err != nil {
				return err
			}
		}
		if token == "" {
			return fmt.Errorf("token required")
		}

		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = cfg.ServerURL()
		}
		request, connect := cfg.Timeouts()
		me, err := syncclient.New(serverURL, token, request, connect).Me(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify token: %w", err)
		}

		creds := &syncconfig.AuthCredentials{
			Token:     token,
			UserID:    me.UserID,
			Email:     me.Email,
			ServerURL: serverURL,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		output.Success("Logged in as %s", me.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	Short:   "Forget the stored API token",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	Short:   "Show authentication status",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			return fmt.Errorf("load auth: %w", err)
		}
		if creds == nil || creds.Token == "" {
			if syncconfig.Token() != "" {
				fmt.Println("Using token from HISTSYNC_TOKEN.")
				return nil
			}
			fmt.Println("Not logged in.")
			return nil
		}

		fmt.Printf("Email:  %s\n", creds.Email)
		fmt.Printf("Server: %s\n", creds.ServerURL)
		fmt.Printf("Token:  %s\n", maskToken(creds.Token))
		return nil
	},
}

// maskToken keeps the first 12 characters of a token.
func maskToken(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}

// prompt reads one line from stdin. Secret input is not echoed when stdin
// is a terminal.
func prompt(label string, secret bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if secret && term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, label)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	fmt.Fprint(os.Stderr, label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	registerCmd.Flags().String("email", "", "Account email address")
	loginCmd.Flags().String("token", "", "API token (prompted when omitted)")
	loginCmd.Flags().String("server", "", "Server URL (default: configured sync_address)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}
