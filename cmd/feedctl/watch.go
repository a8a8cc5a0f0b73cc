package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/listsync"
)

var errQuit = errors.New("quit")

var postsCmd = &cobra.Command{
	Use:   "posts",
	Short: "Watch the post list",
	Long: `Show the post list and keep it up to date as posts are created and
deleted. While watching, type:

  add <title>   create a post
  rm <id>       delete a post
  refresh       reload the list
  quit          stop watching`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cached, _ := cmd.Flags().GetBool("cached"); cached {
			return printCached(cmd, domain.PostsScope())
		}
		return watch(cmd, domain.PostsScope())
	},
}

var commentsCmd = &cobra.Command{
	Use:   "comments",
	Short: "Watch the comments on a post",
	Long: `Show the comments on one post and keep them up to date. Accepts the same
commands as 'feedctl posts'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		postID, _ := cmd.Flags().GetString("post")
		scope := domain.CommentsScope(postID)
		if err := scope.Validate(); err != nil {
			return fmt.Errorf("--post is required")
		}
		if cached, _ := cmd.Flags().GetBool("cached"); cached {
			return printCached(cmd, scope)
		}
		return watch(cmd, scope)
	},
}

func printCached(cmd *cobra.Command, scope domain.Scope) error {
	records, err := a.cache.LoadSnapshot(cmd.Context(), scope)
	if err != nil {
		return err
	}
	render(cmd.OutOrStdout(), listsync.Snapshot{
		Scope:      scope,
		Records:    records,
		Status:     "cached",
		Connection: domain.StateIdle,
	})
	return nil
}

func watch(cmd *cobra.Command, scope domain.Scope) error {
	ctx := cmd.Context()
	session, api, rt, err := a.userClients(ctx)
	if err != nil {
		return err
	}

	opts := []listsync.Option{
		listsync.WithOwner(session.UserID),
		listsync.WithTimeout(a.cfg.SyncTimeout),
		listsync.WithResyncOnReconnect(),
	}
	if a.cfg.UUIDIDs {
		opts = append(opts, listsync.WithUUIDs())
	}
	ctrl := listsync.New(scope, api, api, rt, a.logger, opts...)
	defer ctrl.Teardown()

	out := cmd.OutOrStdout()
	lines := readLines(cmd.InOrStdin())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return renderLoop(ctx, out, ctrl)
	})
	g.Go(func() error {
		if _, err := ctrl.Initialize(ctx); err != nil && !errors.Is(err, listsync.ErrTornDown) {
			a.logger.Error("initial load failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return inputLoop(ctx, out, ctrl, lines)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// renderLoop prints every snapshot the controller publishes and caches the
// loaded ones.
func renderLoop(ctx context.Context, w io.Writer, ctrl *listsync.Controller) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-ctrl.Updates():
			render(w, snap)
			if snap.Status != listsync.StatusReady {
				continue
			}
			if err := a.cache.SaveSnapshot(ctx, snap.Scope, snap.Records); err != nil {
				a.logger.Warn("failed to cache snapshot", "scope", snap.Scope.String(), "error", err)
			}
		}
	}
}

func inputLoop(ctx context.Context, w io.Writer, ctrl *listsync.Controller, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep watching until interrupted
				lines = nil
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				continue
			}
			if err := execCommand(ctx, ctrl, cmd); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				a.logger.Warn("command failed", "op", cmd.op, "error", err)
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}
	}
}

func execCommand(ctx context.Context, ctrl *listsync.Controller, cmd command) error {
	switch cmd.op {
	case opAdd:
		return ctrl.SubmitCreate(ctx, cmd.arg)
	case opRemove:
		return ctrl.SubmitDelete(ctx, cmd.arg)
	case opRefresh:
		_, err := ctrl.Initialize(ctx)
		return err
	case opQuit:
		return errQuit
	}
	return nil
}

// readLines forwards lines from r until EOF. The reader goroutine cannot be
// interrupted and exits with the process.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type op string

const (
	opAdd     op = "add"
	opRemove  op = "rm"
	opRefresh op = "refresh"
	opQuit    op = "quit"
	opNone    op = ""
)

type command struct {
	op  op
	arg string
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{op: opNone}, nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "add", "new":
		if rest == "" {
			return command{}, fmt.Errorf("usage: add <text>")
		}
		return command{op: opAdd, arg: rest}, nil
	case "rm", "del", "delete":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return command{}, fmt.Errorf("usage: rm <id>")
		}
		return command{op: opRemove, arg: rest}, nil
	case "refresh", "reload":
		return command{op: opRefresh}, nil
	case "quit", "exit", "q":
		return command{op: opQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", verb)
	}
}

func render(w io.Writer, snap listsync.Snapshot) {
	fmt.Fprintf(w, "\n== %s (%s, %s) ==\n", title(snap.Scope), snap.Status, snap.Connection)
	if snap.Err != nil {
		fmt.Fprintf(w, "error: %v\n", snap.Err)
	}
	if len(snap.Records) == 0 && snap.Status != listsync.StatusLoading {
		fmt.Fprintln(w, "  (empty)")
	}
	for _, rec := range snap.Records {
		if snap.Scope.Kind == domain.KindPosts && !rec.CreatedAt.IsZero() {
			fmt.Fprintf(w, "  %s  %s  %s\n", rec.ID, rec.CreatedAt.Local().Format("2006-01-02 15:04"), rec.Payload)
			continue
		}
		fmt.Fprintf(w, "  %s  %s\n", rec.ID, rec.Payload)
	}
	if snap.Pending > 0 {
		fmt.Fprintf(w, "  (%d pending)\n", snap.Pending)
	}
}

func title(scope domain.Scope) string {
	if scope.Kind == domain.KindComments {
		return "comments on post " + scope.PostID
	}
	return "posts"
}

func init() {
	postsCmd.Flags().Bool("cached", false, "print the last cached list and exit")
	commentsCmd.Flags().String("post", "", "id of the post whose comments to watch")
	commentsCmd.Flags().Bool("cached", false, "print the last cached list and exit")
	rootCmd.AddCommand(postsCmd, commentsCmd)
}
