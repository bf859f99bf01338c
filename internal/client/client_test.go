package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/podium/internal/adapters/http/api"
	service "github.com/okian/podium/internal/app"
	"github.com/okian/podium/internal/client"
	"github.com/okian/podium/internal/config"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/points"
	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
)

func startServer(t *testing.T, mutate func(*config.Config), opts ...service.Option) (*client.Client, *service.Service) {
	t.Helper()
	require.NoError(t, logger.Init())

	cfg := config.New()
	cfg.StoreDriver = config.DriverMemory
	cfg.StoreDSN = ""
	cfg.SeedNames = nil
	cfg.ClaimRateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	svc := service.New(cfg, opts...)
	require.NoError(t, svc.Start(ctx))

	mux := http.NewServeMux()
	api.NewServer(svc, api.WithStreamTimings(time.Second, time.Second)).Register(ctx, mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		_ = svc.Stop(context.Background())
	})

	c, err := client.New(srv.URL, client.WithTimeout(5*time.Second))
	require.NoError(t, err)
	return c, svc
}

func TestNew(t *testing.T) {
	_, err := client.New("localhost:9080")
	assert.Error(t, err)

	c, err := client.New("http://localhost:9080/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9080", c.BaseURL())
}

func TestClient_RegisterAndClaim(t *testing.T) {
	c, _ := startServer(t, nil, service.WithPolicy(points.Fixed(4)))
	ctx := context.Background()

	alice, err := c.Register(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", alice.Name)
	assert.NotEmpty(t, alice.ID)

	_, err = c.Register(ctx, "Alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrDuplicateName))
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	_, err = c.Register(ctx, "   ")
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	res, err := c.Claim(ctx, alice.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Points)
	assert.Equal(t, int64(4), res.Score)
	assert.Equal(t, "Awarded 4 points to Alice", res.Message)

	_, err = c.Claim(ctx, "missing", "")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	users, err := c.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, alice.ID, users[0].ID)
}

func TestClient_IdempotentClaim(t *testing.T) {
	c, _ := startServer(t, nil, service.WithPolicy(points.Fixed(3)))
	ctx := context.Background()

	bob, err := c.Register(ctx, "Bob")
	require.NoError(t, err)

	first, err := c.Claim(ctx, bob.ID, "retry-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := c.Claim(ctx, bob.ID, "retry-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Score, again.Score)

	board, err := c.Leaderboard(ctx)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, int64(3), board[0].Score)
}

func TestClient_RateLimited(t *testing.T) {
	c, _ := startServer(t, func(cfg *config.Config) {
		cfg.ClaimRateLimit = 1
		cfg.ClaimRateWindowMS = 60000
	})
	ctx := context.Background()

	u, err := c.Register(ctx, "Carol")
	require.NoError(t, err)

	_, err = c.Claim(ctx, u.ID, "")
	require.NoError(t, err)

	_, err = c.Claim(ctx, u.ID, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrRateLimited))
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Greater(t, apiErr.RetryAfter, time.Duration(0))
}

func TestClient_HistoryStatsReady(t *testing.T) {
	c, _ := startServer(t, nil, service.WithPolicy(points.Fixed(2)))
	ctx := context.Background()

	u, err := c.Register(ctx, "Dana")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Claim(ctx, u.ID, "")
		require.NoError(t, err)
	}

	page, err := c.History(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 1, page.CurrentPage)
	require.Len(t, page.History, 2)
	assert.Equal(t, "Dana", page.History[0].UserName)
	assert.False(t, page.History[0].ClaimedAt.Before(page.History[1].ClaimedAt))

	page, err = c.History(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, page.PageSize)

	_, err = c.History(ctx, 1, 1000)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entities)
	assert.Equal(t, 3, stats.Events)

	assert.NoError(t, c.Ready(ctx))
}

func TestClient_Watch(t *testing.T) {
	for _, enc := range []string{client.EncodingJSON, client.EncodingCBOR} {
		t.Run(enc, func(t *testing.T) {
			c, _ := startServer(t, nil, service.WithPolicy(points.Fixed(5)))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			u, err := c.Register(ctx, "Eve")
			require.NoError(t, err)

			var (
				mu   sync.Mutex
				msgs []types.StreamMessage
			)
			first := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				done <- c.Watch(ctx, enc, func(m types.StreamMessage) error {
					mu.Lock()
					defer mu.Unlock()
					msgs = append(msgs, m)
					if len(msgs) == 1 {
						close(first)
					}
					if len(m.Leaderboard) == 1 && m.Leaderboard[0].Score == 5 {
						return client.ErrStopWatching
					}
					return nil
				})
			}()

			<-first
			_, err = c.Claim(ctx, u.ID, "")
			require.NoError(t, err)

			require.NoError(t, <-done)

			mu.Lock()
			defer mu.Unlock()
			require.NotEmpty(t, msgs)
			assert.Equal(t, types.EventLeaderboardUpdate, msgs[0].Event)
			for i := 1; i < len(msgs); i++ {
				assert.Greater(t, msgs[i].Generation, msgs[i-1].Generation)
			}
			last := msgs[len(msgs)-1]
			assert.Equal(t, u.ID, last.Leaderboard[0].ID)
			assert.Equal(t, 1, last.Leaderboard[0].Rank)
		})
	}
}

func TestClient_WatchRejectsUnknownEncoding(t *testing.T) {
	c, err := client.New("http://localhost:1")
	require.NoError(t, err)
	err = c.Watch(context.Background(), "xml", func(types.StreamMessage) error { return nil })
	assert.Error(t, err)
}

func TestClient_WatchStopsOnCancel(t *testing.T) {
	c, _ := startServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, "", func(types.StreamMessage) error {
			select {
			case got <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
