package loadtest

import (
	"errors"
	"fmt"

	"github.com/okian/podium/internal/domain/types"
)

// ErrVerification marks a consistency check that failed.
var ErrVerification = errors.New("verification failed")

// verifyScores checks that every targeted user gained exactly the points
// reported by its claims.
func verifyScores(baseline, final []types.RankedEntityView, awarded map[string]int64) error {
	before := scores(baseline)
	after := scores(final)
	for id, delta := range awarded {
		got, ok := after[id]
		if !ok {
			return fmt.Errorf("%w: user %s missing from final leaderboard", ErrVerification, id)
		}
		if want := before[id] + delta; got != want {
			return fmt.Errorf("%w: user %s has score %d, want %d (baseline %d + awarded %d)",
				ErrVerification, id, got, want, before[id], delta)
		}
	}
	return nil
}

// verifyRanking checks that ranks are 1..n and scores never increase.
func verifyRanking(board []types.RankedEntityView) error {
	for i, e := range board {
		if e.Rank != i+1 {
			return fmt.Errorf("%w: entry %d (%s) has rank %d", ErrVerification, i, e.ID, e.Rank)
		}
		if i > 0 && e.Score > board[i-1].Score {
			return fmt.Errorf("%w: leaderboard not sorted: entry %d has higher score than entry %d",
				ErrVerification, i, i-1)
		}
	}
	return nil
}

// sameRanking reports whether both rankings list the same users with the
// same scores in the same order.
func sameRanking(a, b []types.RankedEntityView) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func scores(board []types.RankedEntityView) map[string]int64 {
	out := make(map[string]int64, len(board))
	for _, e := range board {
		out[e.ID] = e.Score
	}
	return out
}
