// Command feedctl is a terminal client for the posts and comments feed. It
// signs in, edits the profile, and keeps live views of the post list and of
// a post's comments in sync with the backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/config"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/realtime"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/sqlite"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/supabase"
)

// app holds what every subcommand needs. It is populated by the root
// command's PersistentPreRunE.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	logFile *lumberjack.Logger
	cache   *sqlite.Repository
	api     *supabase.Client
}

var a = &app{}

var rootCmd = &cobra.Command{
	Use:   "feedctl",
	Short: "Terminal client for the posts and comments feed",
	Long: `feedctl signs in to the backend and keeps live views of the post list
and of a post's comments. Connection settings come from SUPA_URL and
SUPA_ANON_KEY; the local cache and log live under ~/.feedctl by default.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return a.open()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return a.close()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		a.close()
		os.Exit(1)
	}
}

func (a *app) open() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	// stdout carries the rendered views, so logs go to a rotating file.
	a.logFile = &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	a.logger = slog.New(slog.NewJSONHandler(a.logFile, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cache, err := sqlite.NewRepository(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	a.cache = cache

	a.api = supabase.NewClient(cfg.SupabaseURL, cfg.AnonKey, cfg.SyncTimeout)
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
		a.cache = nil
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
		a.logFile = nil
	}
	return errors.Join(errs...)
}

// session returns the stored session, refusing expired ones.
func (a *app) session(ctx context.Context) (*domain.Session, error) {
	session, err := a.cache.LoadSession(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotAuthenticated) {
			return nil, fmt.Errorf("not signed in, run 'feedctl login' first")
		}
		return nil, err
	}
	if session.Expired(time.Now()) {
		return nil, fmt.Errorf("session for %s expired at %s, run 'feedctl login' again", session.Email, session.ExpiresAt.Format(time.RFC3339))
	}
	return session, nil
}

// userClients returns data and change-feed clients acting as the signed-in
// user.
func (a *app) userClients(ctx context.Context) (*domain.Session, *supabase.Client, *realtime.Client, error) {
	session, err := a.session(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	rt, err := realtime.NewClient(a.cfg.SupabaseURL, a.cfg.AnonKey, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create realtime client: %w", err)
	}
	return session, a.api.WithToken(session.AccessToken), rt.WithToken(session.AccessToken), nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
