// Package loadtest drives concurrent claims against a running server and
// checks that scores, ranks and the live stream stay consistent.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
)

// API is the part of the client a run needs.
type API interface {
	Ready(ctx context.Context) error
	Users(ctx context.Context) ([]types.UserView, error)
	Register(ctx context.Context, name string) (types.UserView, error)
	Claim(ctx context.Context, id, key string) (types.ClaimResponse, error)
	Leaderboard(ctx context.Context) ([]types.RankedEntityView, error)
	Watch(ctx context.Context, encoding string, fn func(types.StreamMessage) error) error
}

// Run executes a complete load run. Scores are checked against the sum of
// awarded points, so no other client may claim for the same users during
// the run.
func Run(ctx context.Context, api API, cfg Config) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Named("loadtest")
	stats := &Stats{StartTime: time.Now()}

	log.Info(ctx, "starting podium load test",
		logger.Int("users", cfg.Users),
		logger.Int("claims", cfg.Claims),
		logger.Int("workers", cfg.Workers),
		logger.Bool("idempotencyKeys", cfg.IdempotencyKeys),
		logger.Duration("settleTimeout", cfg.SettleTimeout))

	// Step 1: Check service readiness
	if err := api.Ready(ctx); err != nil {
		return nil, fmt.Errorf("service readiness check failed: %w", err)
	}

	// Step 2: Make sure the target users exist
	users, err := prepareUsers(ctx, api, cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("user preparation failed: %w", err)
	}
	stats.Users = len(users)

	// Step 3: Record the baseline scores
	baseline, err := api.Leaderboard(ctx)
	if err != nil {
		return nil, fmt.Errorf("baseline leaderboard failed: %w", err)
	}

	// Step 4: Watch the stream for the whole run
	w := startWatcher(ctx, api, cfg.Encoding)
	defer w.stop()
	if err := w.waitFirst(ctx, cfg.SettleTimeout); err != nil {
		return nil, fmt.Errorf("stream did not deliver an initial ranking: %w", err)
	}

	// Step 5: Submit claims concurrently
	awarded := submitClaims(ctx, api, cfg, users, stats)
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("claim submission interrupted: %w", err)
	}

	// Step 6: Verify the final ranking
	final, err := api.Leaderboard(ctx)
	if err != nil {
		return stats, fmt.Errorf("final leaderboard failed: %w", err)
	}
	if err := verifyScores(baseline, final, awarded); err != nil {
		return stats, err
	}
	if err := verifyRanking(final); err != nil {
		return stats, err
	}

	// Step 7: Wait for the stream to converge on the final ranking
	last, err := w.waitFor(ctx, cfg.SettleTimeout, func(m types.StreamMessage) bool {
		return sameRanking(m.Leaderboard, final)
	})
	stats.StreamMessages, stats.LastGeneration = w.progress()
	if err != nil {
		return stats, fmt.Errorf("%w: stream did not converge on the final ranking: %w", ErrVerification, err)
	}
	if err := verifyRanking(last.Leaderboard); err != nil {
		return stats, err
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	logFinalStats(ctx, log, stats)
	return stats, nil
}

// prepareUsers returns n users, registering load users when fewer exist.
func prepareUsers(ctx context.Context, api API, n int) ([]types.UserView, error) {
	existing, err := api.Users(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) >= n {
		return existing[:n], nil
	}
	users := append([]types.UserView(nil), existing...)
	for i := len(existing); len(users) < n; i++ {
		u, err := api.Register(ctx, fmt.Sprintf("%s%03d", UserNamePrefix, i))
		if errors.Is(err, model.ErrDuplicateName) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func logFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var claimsPerSecond float64
	if stats.Duration > 0 {
		claimsPerSecond = float64(stats.ClaimsSubmitted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("users", stats.Users),
		logger.Int("claimsSubmitted", stats.ClaimsSubmitted),
		logger.Int("claimsSuccessful", stats.ClaimsSuccessful),
		logger.Int("claimsReplayed", stats.ClaimsReplayed),
		logger.Int("claimsRateLimited", stats.ClaimsRateLimited),
		logger.Int("claimsFailed", stats.ClaimsFailed),
		logger.Int64("pointsAwarded", stats.PointsAwarded),
		logger.Int("streamMessages", stats.StreamMessages),
		logger.Uint64("lastGeneration", stats.LastGeneration),
		logger.Duration("duration", stats.Duration),
		logger.Float64("claimsPerSecond", claimsPerSecond))
}

// watcher keeps the latest stream message.
type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	changed chan struct{}
	last    types.StreamMessage
	count   int
	err     error
}

func startWatcher(ctx context.Context, api API, encoding string) *watcher {
	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{cancel: cancel, done: make(chan struct{}), changed: make(chan struct{})}
	go func() {
		defer close(w.done)
		err := api.Watch(wctx, encoding, func(m types.StreamMessage) error {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.count > 0 && m.Generation <= w.last.Generation {
				return fmt.Errorf("%w: generation %d after %d", ErrVerification, m.Generation, w.last.Generation)
			}
			w.last = m
			w.count++
			close(w.changed)
			w.changed = make(chan struct{})
			return nil
		})
		w.mu.Lock()
		if err == nil {
			err = errors.New("stream closed by server")
		}
		if wctx.Err() == nil {
			w.err = err
		}
		close(w.changed)
		w.changed = make(chan struct{})
		w.mu.Unlock()
	}()
	return w
}

func (w *watcher) stop() {
	w.cancel()
	<-w.done
}

func (w *watcher) progress() (int, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count, w.last.Generation
}

func (w *watcher) waitFirst(ctx context.Context, timeout time.Duration) error {
	_, err := w.waitFor(ctx, timeout, func(types.StreamMessage) bool { return true })
	return err
}

// waitFor blocks until the latest message satisfies ok.
func (w *watcher) waitFor(ctx context.Context, timeout time.Duration, ok func(types.StreamMessage) bool) (types.StreamMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		w.mu.Lock()
		last, count, err, changed := w.last, w.count, w.err, w.changed
		w.mu.Unlock()

		if count > 0 && ok(last) {
			return last, nil
		}
		if err != nil {
			return last, err
		}
		select {
		case <-changed:
		case <-timer.C:
			return last, fmt.Errorf("timed out after %s at generation %d", timeout, last.Generation)
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}
