package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"teamdash/api/internal/client"
	"teamdash/api/internal/store"
)

// LogsOptions holds flags for the logs command.
type LogsOptions struct {
	*RootOptions
	SinceDays int
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logs <access|modification>",
		Short: "Print the access or modification log",
		Long: `Print the server's access log (joins, leaves) or modification log
(section saves), oldest first.

Example:
  dashctl logs modification --since-days 7`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     []string{string(store.AccessLog), string(store.ModificationLog)},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printLogs(opts, store.LogKind(args[0]), cmd)
		},
	}

	cmd.Flags().IntVar(&opts.SinceDays, "since-days", 0, "only entries from the last N days (0 for all)")

	return cmd
}

func printLogs(opts *LogsOptions, kind store.LogKind, cmd *cobra.Command) error {
	if kind != store.AccessLog && kind != store.ModificationLog {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown log %q: must be access or modification", kind))
	}
	if opts.SinceDays < 0 {
		return NewExitError(ExitCommandError, "--since-days must not be negative")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.fetchTimeout())
	defer cancel()

	entries, err := client.New(opts.Client.Server, nil).Logs(ctx, kind, opts.SinceDays)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read log", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(entries, func(w io.Writer) {
		for _, e := range entries {
			line := fmt.Sprintf("%s\t%s\t%s", e.At.Local().Format("2006-01-02 15:04:05"), e.User, e.Action)
			if e.Section != "" {
				line += "\t" + e.Section
			}
			if e.Note != "" {
				line += "\t" + e.Note
			}
			fmt.Fprintln(w, line)
		}
	})
}
