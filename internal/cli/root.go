package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"teamdash/api/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Server     string
	User       string
	CachePath  string
	Verbose    bool
	Format     string // "json" | "text"

	// Loaded in PersistentPreRunE; flags override file values.
	Client config.ClientConfig
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for dashctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dashctl",
		Short: "dashctl - team dashboard client",
		Long:  "Read and write team dashboard sections through the optimistic sync engine.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.DefaultClientConfigPath(), "client config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "API server URL (overrides config)")
	cmd.PersistentFlags().StringVarP(&opts.User, "user", "u", "", "user name (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.CachePath, "cache", "", "local cache database (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewOnlineCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	cfg, err := config.LoadClient(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Server != "" {
		cfg.Server = o.Server
	}
	if o.User != "" {
		cfg.User = o.User
	}
	if o.CachePath != "" {
		cfg.CachePath = o.CachePath
	}
	o.Client = cfg
	return nil
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) requireUser() error {
	if o.Client.User == "" {
		return NewExitError(ExitCommandError, "no user configured: pass --user or set user in the config file")
	}
	return nil
}

func (o *RootOptions) fetchTimeout() time.Duration {
	if o.Client.FetchTimeout > 0 {
		return o.Client.FetchTimeout
	}
	return 10 * time.Second
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
