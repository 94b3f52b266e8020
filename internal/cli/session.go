package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"teamdash/api/internal/cache"
	"teamdash/api/internal/client"
	"teamdash/api/internal/engine"
)

// session is one engine bound to the configured server and local cache.
type session struct {
	engine  *engine.Engine
	client  *client.Client
	durable *cache.SQLiteDurable
}

func openSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	if err := opts.requireUser(); err != nil {
		return nil, err
	}
	cfg := opts.Client
	if cfg.CachePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create cache dir", err)
		}
	}
	durable, err := cache.OpenSQLite(cfg.CachePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local cache", err)
	}

	c := client.New(cfg.Server, nil)
	e := engine.New(engine.Config{
		User:            cfg.User,
		PollInterval:    cfg.PollInterval,
		FetchTimeout:    cfg.FetchTimeout,
		BackoffCap:      cfg.BackoffCap,
		ReceiptDebounce: cfg.ReceiptDebounce,
	}, c,
		engine.WithDurable(durable),
		engine.WithLogger(opts.logger(cmd.ErrOrStderr())),
		engine.WithNotifier(&writerNotifier{w: cmd.ErrOrStderr()}),
	)
	if err := e.Start(); err != nil {
		durable.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load local cache", err)
	}
	return &session{engine: e, client: c, durable: durable}, nil
}

// refresh runs one poll. A failed poll leaves the cached data in place.
func (s *session) refresh(ctx context.Context, cmd *cobra.Command) engine.TickOutcome {
	outcome := s.engine.Poller().Tick(ctx)
	if outcome == engine.TickFailed {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: server unreachable, showing cached data")
	}
	return outcome
}

func (s *session) close(ctx context.Context) {
	s.engine.Close(ctx)
	s.durable.Close()
}

// writerNotifier prints engine notices as they happen.
type writerNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func (n *writerNotifier) Error(section string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "save of %s failed: %v\n", section, err)
}

func (n *writerNotifier) Notice(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, message)
}
