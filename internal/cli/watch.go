package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Active string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the local cache in sync until interrupted",
		Long: `Poll the server, announce presence and keep the local cache fresh
until interrupted. With --active the named section is treated as open on
screen and its read marker follows new records.

Example:
  dashctl watch --active teamChat/alpha`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Active, "active", "", "section path shown as open")

	return cmd
}

func watch(opts *WatchOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.close(closeCtx)
	}()

	if opts.Active != "" {
		if _, err := s.engine.ReadTracker().Activate(opts.Active); err != nil {
			return WrapExitError(ExitCommandError, "cannot open "+opts.Active, err)
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "watching %s as %s\n", opts.Client.Server, opts.Client.User)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// Presence is best effort; the poll loop keeps running without it.
		if err := s.engine.Presence(opts.Client.Heartbeat).Run(gctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "watch stopped", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "stopped at version %d\n", s.engine.Poller().Version())
	return nil
}
