package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"teamdash/api/internal/codec"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	MarkRead bool
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <section[/key]>",
		Short: "Print the records of a section",
		Long: `Print the records of a section, refreshing from the server first.

Map-shaped chat sections are addressed by key, e.g. teamChat/alpha.

Example:
  dashctl show todos
  dashctl show teamChat/alpha --mark-read`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSection(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.MarkRead, "mark-read", false, "advance the read marker to the newest record")

	return cmd
}

type showResult struct {
	Path    string         `json:"path"`
	Records []codec.Record `json:"records"`
	Unread  int            `json:"unread"`
	Marker  int64          `json:"marker"`
}

func showSection(opts *ShowOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)
	s.refresh(ctx, cmd)

	records, err := s.engine.Records(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot read "+path, err)
	}
	rt := s.engine.ReadTracker()
	unread, err := rt.Unread(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot count unread in "+path, err)
	}
	if opts.MarkRead {
		if _, err := rt.Activate(path); err != nil {
			return WrapExitError(ExitFailure, "failed to mark read", err)
		}
	}

	result := showResult{Path: path, Records: records, Unread: unread, Marker: rt.Marker(path)}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(result, func(w io.Writer) {
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID(), r.Author(), summary(r))
		}
		fmt.Fprintf(w, "%d records, %d unread\n", len(records), unread)
	})
}

func summary(r codec.Record) string {
	for _, key := range []string{"text", "title", "name", "body"} {
		if s, ok := r[key].(string); ok {
			return s
		}
	}
	return ""
}
