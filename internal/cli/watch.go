package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/okian/podium/internal/client"
	"github.com/okian/podium/internal/domain/types"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Encoding string
	Count    int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live leaderboard stream",
		Long: `Follow the live leaderboard stream.

Prints the current ranking on connect and again after every change until
interrupted, the server closes the stream, or --count messages arrived.
With --format json every message is one JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Encoding, "encoding", client.EncodingJSON, "stream encoding (json, cbor)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "stop after this many messages (0 = no limit)")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	if opts.Encoding != client.EncodingJSON && opts.Encoding != client.EncodingCBOR {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid encoding %q: must be json or cbor", opts.Encoding))
	}
	if opts.Count < 0 {
		return NewExitError(ExitCommandError, "--count must be >= 0")
	}

	c, err := opts.newClient()
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	seen := 0
	return c.Watch(cmd.Context(), opts.Encoding, func(msg types.StreamMessage) error {
		err := out.Success(msg, func(w io.Writer) error {
			fmt.Fprintf(w, "generation %d at %s\n", msg.Generation, msg.ComputedAt.Format("15:04:05.000"))
			return writeLeaderboard(w, msg.Leaderboard)
		})
		if err != nil {
			return err
		}
		seen++
		if opts.Count > 0 && seen >= opts.Count {
			return client.ErrStopWatching
		}
		return nil
	})
}
