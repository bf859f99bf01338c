// Package cli implements podiumctl, the command-line client for a running
// podium server.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/podium/internal/client"
	"github.com/okian/podium/pkg/logger"
)

// Defaults for the persistent flags.
const (
	DefaultURL     = "http://localhost:9080"
	DefaultTimeout = client.DefaultTimeout
)

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{FormatText, FormatJSON}

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	URL     string
	Timeout time.Duration
	Format  string
	Verbose bool
}

// NewRootCommand creates the podiumctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "podiumctl",
		Short: "Command-line client for the podium leaderboard",
		Long: `podiumctl talks to a running podium server.

It lists and registers users, submits point claims, reads the
leaderboard and claim history, follows the live ranking stream and
runs load tests that verify scores stay consistent under concurrency.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !validFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if err := logger.InitWriter(cmd.ErrOrStderr()); err != nil {
				return WrapExitError(ExitCommandError, "init logging", err)
			}
			level := "warn"
			if opts.Verbose {
				level = "info"
			}
			return logger.SetLevelString(level)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.URL, "url", DefaultURL, "base URL of the podium server")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", DefaultTimeout, "per-request timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text, json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable verbose logging")

	cmd.AddCommand(NewUsersCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewLeaderboardCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))

	return cmd
}

// Execute runs podiumctl with args, reports any error in the selected
// format and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	format, _ := cmd.PersistentFlags().GetString("format")
	if !validFormat(format) {
		format = FormatText
	}
	(&OutputFormatter{Format: format, Writer: stdout, ErrWriter: stderr}).Error(err)
	return GetExitCode(err)
}

func validFormat(f string) bool {
	for _, v := range ValidFormats {
		if f == v {
			return true
		}
	}
	return false
}

// newClient builds an API client from the persistent flags.
func (o *RootOptions) newClient() (*client.Client, error) {
	c, err := client.New(o.URL, client.WithTimeout(o.Timeout))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --url", err)
	}
	return c, nil
}

// formatter returns an output formatter bound to cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}
