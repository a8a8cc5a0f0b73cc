package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update your profile",
}

var profileGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show your profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		session, err := a.session(ctx)
		if err != nil {
			return err
		}

		profile, err := a.api.WithToken(session.AccessToken).GetProfile(ctx, session.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "No profile yet, create one with 'feedctl profile set'")
			return nil
		}
		if err != nil {
			return err
		}
		printProfile(cmd.OutOrStdout(), session.Email, profile)
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update your profile",
	Long: `Update your profile. Only the flags you pass are changed; the rest keep
their stored values.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		session, err := a.session(ctx)
		if err != nil {
			return err
		}
		api := a.api.WithToken(session.AccessToken)

		profile, err := api.GetProfile(ctx, session.UserID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			profile = &domain.Profile{ID: session.UserID}
		case err != nil:
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("username") {
			profile.Username, _ = flags.GetString("username")
		}
		if flags.Changed("website") {
			profile.Website, _ = flags.GetString("website")
		}
		if flags.Changed("avatar-url") {
			profile.AvatarURL, _ = flags.GetString("avatar-url")
		}

		if err := api.UpsertProfile(ctx, profile); err != nil {
			return err
		}
		a.logger.Info("profile updated", "user_id", profile.ID)
		printProfile(cmd.OutOrStdout(), session.Email, profile)
		return nil
	},
}

func printProfile(w io.Writer, email string, p *domain.Profile) {
	fmt.Fprintf(w, "Email:    %s\n", email)
	fmt.Fprintf(w, "Username: %s\n", p.Username)
	fmt.Fprintf(w, "Website:  %s\n", p.Website)
	fmt.Fprintf(w, "Avatar:   %s\n", p.AvatarURL)
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated:  %s\n", p.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func init() {
	profileSetCmd.Flags().String("username", "", "public username")
	profileSetCmd.Flags().String("website", "", "website URL")
	profileSetCmd.Flags().String("avatar-url", "", "avatar image URL")
	profileCmd.AddCommand(profileGetCmd, profileSetCmd)
	rootCmd.AddCommand(profileCmd)
}
