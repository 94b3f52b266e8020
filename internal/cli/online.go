package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"teamdash/api/internal/client"
)

// NewOnlineCommand creates the online command.
func NewOnlineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "online",
		Short:         "List users seen recently",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listOnline(rootOpts, cmd)
		},
	}
	return cmd
}

func listOnline(opts *RootOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.fetchTimeout())
	defer cancel()

	users, err := client.New(opts.Client.Server, nil).OnlineUsers(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list online users", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(users, func(w io.Writer) {
		if len(users) == 0 {
			fmt.Fprintln(w, "nobody online")
			return
		}
		for _, u := range users {
			fmt.Fprintf(w, "%s\tlast seen %s\n", u.Name, u.LastSeenAt.Local().Format("15:04:05"))
		}
	})
}
