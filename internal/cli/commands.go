package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/okian/podium/internal/domain/types"
)

// NewUsersCommand creates the users command.
func NewUsersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List registered users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			users, err := c.Users(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(users, func(w io.Writer) error {
				return writeUsers(w, users)
			})
		},
	}
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register <name>",
		Short: "Register a new user",
		Long: `Register a new user with zero points.

Names are trimmed and must be unique. Names differing only in case are distinct.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			user, err := c.Register(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(user, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "registered %s (%s)\n", user.Name, user.ID)
				return err
			})
		},
	}
}

// ClaimOptions holds flags for the claim command.
type ClaimOptions struct {
	*RootOptions
	Key string
}

// NewClaimCommand creates the claim command.
func NewClaimCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClaimOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "claim <user-id>",
		Short: "Award random points to a user",
		Long: `Claim points for a user.

With --key the claim is idempotent: repeating the command with the same
key returns the original result instead of awarding points again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			res, err := c.Claim(cmd.Context(), args[0], strings.TrimSpace(opts.Key))
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(res, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, claimLine(res))
				return err
			})
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key for the claim")

	return cmd
}

// NewLeaderboardCommand creates the leaderboard command.
func NewLeaderboardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "leaderboard",
		Aliases: []string{"board"},
		Short:   "Show the current ranking",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			board, err := c.Leaderboard(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(board, func(w io.Writer) error {
				return writeLeaderboard(w, board)
			})
		},
	}
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Page  int
	Limit int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show claim history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Page < 0 || opts.Limit < 0 {
				return NewExitError(ExitCommandError, "--page and --limit must be >= 0")
			}
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			page, err := c.History(cmd.Context(), opts.Page, opts.Limit)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(page, func(w io.Writer) error {
				return writeHistory(w, page)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number starting at 1 (0 uses the server default)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (0 uses the server default)")

	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(stats, func(w io.Writer) error {
				return writeStats(w, stats)
			})
		},
	}
}

func claimLine(res types.ClaimResponse) string {
	line := fmt.Sprintf("%s: +%d points, score %d", res.User.Name, res.Points, res.Score)
	if res.Replayed {
		line += " (replayed)"
	}
	return line
}

func writeUsers(w io.Writer, users []types.UserView) error {
	fmt.Fprintln(w, "ID\tNAME")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\n", u.ID, u.Name)
	}
	return nil
}

func writeLeaderboard(w io.Writer, board []types.RankedEntityView) error {
	fmt.Fprintln(w, "RANK\tNAME\tSCORE\tID")
	for _, e := range board {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", e.Rank, e.Name, e.Score, e.ID)
	}
	return nil
}

func writeHistory(w io.Writer, page types.HistoryResponse) error {
	fmt.Fprintln(w, "CLAIMED AT\tUSER\tPOINTS")
	for _, h := range page.History {
		fmt.Fprintf(w, "%s\t%s\t%d\n", h.ClaimedAt.Format("2006-01-02 15:04:05"), h.UserName, h.Points)
	}
	_, err := fmt.Fprintf(w, "page %d of %d (%d claims, %d per page)\n",
		page.CurrentPage, page.TotalPages, page.Total, page.PageSize)
	return err
}

func writeStats(w io.Writer, s types.Stats) error {
	rows := []struct {
		k string
		v any
	}{
		{"store", s.Store},
		{"users", s.Entities},
		{"claims", s.Events},
		{"generation", s.Generation},
		{"subscribers", s.Subscribers},
		{"queue", fmt.Sprintf("%d/%d", s.QueueLength, s.QueueCapacity)},
		{"workers", s.Workers},
		{"uptime", s.Uptime},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%v\n", r.k, r.v)
	}
	return nil
}
