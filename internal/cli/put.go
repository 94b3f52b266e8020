package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <section> <json|@file|->",
		Short: "Replace a whole section",
		Long: `Replace a whole section with the given JSON value.

The value is applied to the local cache at once and then saved. The last
writer of a section wins.

Example:
  dashctl put boards '[{"id":1,"title":"Q3"}]'
  dashctl put teamMemos @memos.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return putSection(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func readValue(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("value is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func putSection(opts *RootOptions, section, arg string, cmd *cobra.Command) error {
	value, err := readValue(arg, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid value", err)
	}
	ctx := cmd.Context()
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)
	s.refresh(ctx, cmd)

	result := s.engine.Dispatcher().Replace(section, value).Wait(ctx)
	if !result.OK {
		return WrapExitError(ExitFailure, "save failed", result.Err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(map[string]any{"section": section}, func(w io.Writer) {
		fmt.Fprintf(w, "saved %s\n", section)
	})
}
