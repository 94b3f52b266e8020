package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"teamdash/api/internal/cache"
	"teamdash/api/internal/codec"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Retries int
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <section[/key]> <text...>",
		Short: "Send a chat message",
		Long: `Append a chat message to a section.

The message shows up in the local cache at once. If the server does not
take it, it is re-sent up to --retries times before giving up.

Example:
  dashctl send labChat "samples are in the fridge"
  dashctl send teamChat/alpha "standup in 5" --retries 3`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendMessage(opts, args[0], strings.Join(args[1:], " "), cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Retries, "retries", 0, "re-send a failed message up to N times")

	return cmd
}

func sendMessage(opts *SendOptions, path, text string, cmd *cobra.Command) error {
	if strings.TrimSpace(text) == "" {
		return NewExitError(ExitCommandError, "message text is required")
	}
	ctx := cmd.Context()
	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)
	s.refresh(ctx, cmd)

	d := s.engine.Dispatcher()
	id, save := d.Send(path, codec.Record{"text": text})
	result := save.Wait(ctx)
	if result.Err != nil && s.engine.State(id) != cache.Failed {
		return WrapExitError(ExitCommandError, "send rejected", result.Err)
	}
	for attempt := 0; attempt < opts.Retries && s.engine.State(id) == cache.Failed; attempt++ {
		fmt.Fprintf(cmd.ErrOrStderr(), "retrying message %d (%d/%d)\n", id, attempt+1, opts.Retries)
		d.Retry(path, id).Wait(ctx)
	}

	state := s.engine.State(id)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Success(map[string]any{"id": id, "state": state.String()}, func(w io.Writer) {
		fmt.Fprintf(w, "%d %s\n", id, state)
	}); err != nil {
		return err
	}
	if state != cache.Confirmed {
		return NewExitError(ExitFailure, fmt.Sprintf("message %d not delivered", id))
	}
	return nil
}
