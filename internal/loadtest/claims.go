package loadtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/podium/internal/client"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
)

const progressInterval = time.Second

type claimOutcome int

const (
	outcomeApplied claimOutcome = iota
	outcomeReplayed
	outcomeRateLimited
	outcomeFailed
)

type claimJob struct {
	userID string
	key    string
}

// submitClaims spreads cfg.Claims over users round-robin with a worker
// pool and returns the points awarded per user.
func submitClaims(ctx context.Context, api API, cfg Config, users []types.UserView, stats *Stats) map[string]int64 {
	log := logger.Named("loadtest")
	log.Info(ctx, "submitting claims", logger.Int("claims", cfg.Claims), logger.Int("workers", cfg.Workers))

	var (
		mu      sync.Mutex
		awarded = make(map[string]int64, len(users))
		wg      sync.WaitGroup
	)
	for _, u := range users {
		awarded[u.ID] = 0
	}

	jobs := make(chan claimJob, cfg.Workers*2)
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				res, outcome := claimOnce(ctx, api, job, cfg.IdempotencyKeys)

				mu.Lock()
				stats.ClaimsSubmitted++
				switch outcome {
				case outcomeApplied:
					stats.ClaimsSuccessful++
					stats.PointsAwarded += res.Points
					awarded[job.userID] += res.Points
				case outcomeReplayed:
					// The first attempt applied the points but its response was lost.
					stats.ClaimsSuccessful++
					stats.ClaimsReplayed++
					stats.PointsAwarded += res.Points
					awarded[job.userID] += res.Points
				case outcomeRateLimited:
					stats.ClaimsRateLimited++
				case outcomeFailed:
					stats.ClaimsFailed++
				}
				mu.Unlock()
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < cfg.Claims; i++ {
			job := claimJob{userID: users[i%len(users)].ID}
			if cfg.IdempotencyKeys {
				job.key = uuid.NewString()
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- job:
			}
		}
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	for {
		select {
		case <-finished:
			log.Info(ctx, "claim submission completed",
				logger.Int("successful", stats.ClaimsSuccessful),
				logger.Int("replayed", stats.ClaimsReplayed),
				logger.Int("rateLimited", stats.ClaimsRateLimited),
				logger.Int("failed", stats.ClaimsFailed))
			return awarded
		case <-ticker.C:
			if cfg.Verbose {
				mu.Lock()
				log.Info(ctx, "progress",
					logger.Int("submitted", stats.ClaimsSubmitted),
					logger.Int("total", cfg.Claims),
					logger.Int("failed", stats.ClaimsFailed))
				mu.Unlock()
			}
		}
	}
}

// claimOnce submits one claim. With a key, a transient failure is retried
// once; the server applies the claim at most once either way.
func claimOnce(ctx context.Context, api API, job claimJob, retry bool) (types.ClaimResponse, claimOutcome) {
	res, err := api.Claim(ctx, job.userID, job.key)
	if err != nil && retry && errors.Is(err, model.ErrStoreUnavailable) {
		res, err = api.Claim(ctx, job.userID, job.key)
	}
	switch {
	case err == nil && res.Replayed:
		return res, outcomeReplayed
	case err == nil:
		return res, outcomeApplied
	case errors.Is(err, client.ErrRateLimited):
		return res, outcomeRateLimited
	default:
		return res, outcomeFailed
	}
}
