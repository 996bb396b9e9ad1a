package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tedsecretsource/sound-recorder/internal/freesound"
	"github.com/tedsecretsource/sound-recorder/internal/ui"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "sync",
	Short:   "Log in to or out of Freesound",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize recorder with your Freesound account",
	Long: `Log in with OAuth2. Open the printed URL, grant access and paste the
authorization code Freesound shows you. The token is stored in
storage.token_file and refreshed automatically.

Requires freesound.client_id and freesound.client_secret (create an API
credential at https://freesound.org/apiv2/apply/).`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Freesound.ClientID == "" || cfg.Freesound.ClientSecret == "" {
			fatalf("freesound.client_id and freesound.client_secret must be configured")
		}
		auth := newAuthenticator()

		code, _ := cmd.Flags().GetString("code")
		if code == "" {
			fmt.Printf("Open this URL and grant access:\n\n  %s\n\n", auth.AuthCodeURL(uuid.NewString()))
			var err error
			code, err = promptCode()
			if err != nil {
				fatalf("%v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if _, err := auth.ExchangeCodeForTokens(ctx, code); err != nil {
			fatalf("%v", err)
		}
		client, err := newClient(ctx, auth)
		if err != nil {
			fatalf("%v", err)
		}
		user, err := auth.CheckAuthStatus(ctx, client)
		if err != nil {
			fatalf("logged in, but the token was rejected: %v", err)
		}
		fmt.Printf("%s Logged in as %s\n", ui.RenderPass("✓"), user.Username)
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored Freesound token",
	Run: func(cmd *cobra.Command, args []string) {
		if err := newAuthenticator().Logout(); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Logged out\n", ui.RenderPass("✓"))
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the stored Freesound session",
	Run: func(cmd *cobra.Command, args []string) {
		auth := newAuthenticator()
		if !auth.IsAuthenticated() {
			fmt.Printf("%s Not logged in\n", ui.RenderWarn("○"))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Freesound.Timeout)
		defer cancel()

		client, err := newClient(ctx, auth)
		if err != nil {
			fatalf("%v", err)
		}
		user, err := auth.CheckAuthStatus(ctx, client)
		switch {
		case errors.Is(err, freesound.ErrNotAuthenticated):
			fmt.Printf("%s Session expired; run 'recorder auth login'\n", ui.RenderFail("✗"))
		case err != nil:
			fmt.Printf("%s Logged in (could not reach Freesound: %v)\n", ui.RenderWarn("●"), err)
		default:
			fmt.Printf("%s Logged in as %s\n", ui.RenderPass("●"), user.Username)
		}
	},
}

func promptCode() (string, error) {
	var code string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		err := huh.NewInput().
			Title("Authorization code").
			Value(&code).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("code is required")
				}
				return nil
			}).
			Run()
		if err != nil {
			return "", fmt.Errorf("login cancelled: %w", err)
		}
		return strings.TrimSpace(code), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	}
	code = strings.TrimSpace(line)
	if code == "" {
		return "", fmt.Errorf("authorization code is empty")
	}
	return code, nil
}

func init() {
	authLoginCmd.Flags().String("code", "", "Authorization code (skips the prompt)")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
