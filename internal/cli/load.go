package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/podium/internal/client"
	"github.com/okian/podium/internal/loadtest"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Users    int
	Claims   int
	Workers  int
	Keys     bool
	Encoding string
	Settle   time.Duration
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}
	defaults := loadtest.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run a concurrent claim load test",
		Long: `Submit claims concurrently and verify the result.

The run registers missing load users, spreads --claims claims over them
with --workers workers, then checks that every score equals its baseline
plus the points awarded, that ranks are dense, and that the live stream
converges on the final ranking. Verification failures exit with status 1.

No other client should claim for the same users while a run is active.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoad(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Users, "users", defaults.Users, "number of users receiving claims")
	cmd.Flags().IntVar(&opts.Claims, "claims", defaults.Claims, "total claims to submit")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", defaults.Workers, "concurrent workers")
	cmd.Flags().BoolVar(&opts.Keys, "keys", false, "send an idempotency key with every claim")
	cmd.Flags().StringVar(&opts.Encoding, "encoding", client.EncodingJSON, "stream encoding (json, cbor)")
	cmd.Flags().DurationVar(&opts.Settle, "settle", defaults.SettleTimeout, "how long the stream may lag the final ranking")

	return cmd
}

func runLoad(cmd *cobra.Command, opts *LoadOptions) error {
	if opts.Encoding != client.EncodingJSON && opts.Encoding != client.EncodingCBOR {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid encoding %q: must be json or cbor", opts.Encoding))
	}
	cfg := loadtest.Config{
		Users:           opts.Users,
		Claims:          opts.Claims,
		Workers:         opts.Workers,
		Encoding:        opts.Encoding,
		SettleTimeout:   opts.Settle,
		IdempotencyKeys: opts.Keys,
		Verbose:         opts.Verbose,
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid load flags", err)
	}

	c, err := opts.newClient()
	if err != nil {
		return err
	}

	stats, err := loadtest.Run(cmd.Context(), c, cfg)
	if errors.Is(err, loadtest.ErrVerification) {
		return WrapExitError(ExitFailure, "load test verification failed", err)
	}
	if err != nil {
		return err
	}

	return opts.formatter(cmd).Success(stats, func(w io.Writer) error {
		return writeLoadStats(w, stats)
	})
}

func writeLoadStats(w io.Writer, s *loadtest.Stats) error {
	var rate float64
	if s.Duration > 0 {
		rate = float64(s.ClaimsSubmitted) / s.Duration.Seconds()
	}
	fmt.Fprintf(w, "users\t%d\n", s.Users)
	fmt.Fprintf(w, "claims\t%d submitted, %d ok, %d replayed, %d rate limited, %d failed\n",
		s.ClaimsSubmitted, s.ClaimsSuccessful, s.ClaimsReplayed, s.ClaimsRateLimited, s.ClaimsFailed)
	fmt.Fprintf(w, "points\t%d\n", s.PointsAwarded)
	fmt.Fprintf(w, "stream\t%d messages, last generation %d\n", s.StreamMessages, s.LastGeneration)
	fmt.Fprintf(w, "duration\t%s (%.1f claims/s)\n", s.Duration.Round(time.Millisecond), rate)
	_, err := fmt.Fprintln(w, "verification\tpassed")
	return err
}
