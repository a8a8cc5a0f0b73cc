package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	Long: `Sign in with email and password and store the session in the local
cache. Credentials may also come from FEEDCTL_EMAIL and FEEDCTL_PASSWORD.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password are required (or set FEEDCTL_EMAIL and FEEDCTL_PASSWORD)")
		}

		ctx := cmd.Context()
		fmt.Fprintf(cmd.OutOrStdout(), "Logging in as %s...\n", email)
		resp, err := a.api.SignIn(ctx, email, password)
		if err != nil {
			return err
		}

		session := resp.Session(time.Now())
		if session.UserID == "" {
			// older auth servers omit the user object; fall back to the token subject
			if claims, err := domain.ParseTokenClaims(session.AccessToken); err == nil {
				session.UserID = claims.Subject
				if session.ExpiresAt.IsZero() {
					session.ExpiresAt = claims.ExpiresAt
				}
			}
		}
		if session.Email == "" {
			session.Email = email
		}

		if err := a.cache.SaveSession(ctx, session); err != nil {
			return err
		}
		a.logger.Info("signed in", "user_id", session.UserID, "expires_at", session.ExpiresAt)
		fmt.Fprintf(cmd.OutOrStdout(), "Authenticated as %s (%s)\n", session.Email, session.UserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		session, err := a.cache.LoadSession(ctx)
		if errors.Is(err, domain.ErrNotAuthenticated) {
			fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
			return nil
		}
		if err != nil {
			return err
		}

		if err := a.api.WithToken(session.AccessToken).SignOut(ctx); err != nil {
			// the local session is dropped regardless; the token expires on its own
			a.logger.Warn("remote sign out failed", "error", err)
		}
		if err := a.cache.DeleteSession(ctx); err != nil {
			return err
		}
		a.logger.Info("signed out", "user_id", session.UserID)
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", envOrDefault("FEEDCTL_EMAIL", ""), "account email")
	loginCmd.Flags().String("password", envOrDefault("FEEDCTL_PASSWORD", ""), "account password")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
