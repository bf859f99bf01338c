// Package service provides the core business service that implements
// the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	eventqueue "github.com/okian/podium/internal/adapters/mq/queue"
	workerpool "github.com/okian/podium/internal/adapters/mq/worker"
	"github.com/okian/podium/internal/adapters/ratelimit"
	"github.com/okian/podium/internal/adapters/repository"
	"github.com/okian/podium/internal/config"
	"github.com/okian/podium/internal/domain/coordinator"
	"github.com/okian/podium/internal/domain/dedupe"
	"github.com/okian/podium/internal/domain/fanout"
	"github.com/okian/podium/internal/domain/history"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/points"
	"github.com/okian/podium/internal/domain/ranking"
	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
	"github.com/okian/podium/pkg/metrics"
)

// ErrNotStarted is returned by operations called before Start.
var ErrNotStarted = errors.New("service not started")

// Service owns every component of the ranking service.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Core components
	store   repository.Store
	engine  *ranking.Engine
	hub     *fanout.Hub
	queue   *eventqueue.InMemoryQueue
	pool    *workerpool.Pool
	coord   *coordinator.Coordinator
	pager   *history.Pager
	idem    dedupe.Cache
	policy  points.Policy
	limiter ratelimit.Limiter
	redis   *ratelimit.Redis

	// State
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore uses store instead of opening the configured one. The service
// closes it on Stop.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithPolicy overrides the configured points range.
func WithPolicy(p points.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithLimiter overrides the configured claim rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service from cfg. A nil cfg means defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store, starts the broadcasters and seeds an empty store.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	log := s.logger.Named("service")
	log.Info(ctx, "starting podium service...", logger.String("store", s.cfg.StoreDriver))

	if s.store == nil {
		store, err := repository.Open(ctx, s.cfg.StoreDriver, s.cfg.StoreDSN, repository.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.store = store
	}
	if s.policy == nil {
		s.policy = points.NewRandomPolicy(points.WithRange(s.cfg.MinPoints, s.cfg.MaxPoints))
	}

	// Background work outlives the start request.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if s.limiter == nil && s.cfg.ClaimRateLimit > 0 {
		if err := s.startLimiter(runCtx); err != nil {
			cancel()
			_ = s.store.Close()
			return err
		}
	}

	s.engine = ranking.NewEngine(s.store, ranking.WithLogger(s.logger))
	s.hub = fanout.NewHub(s.engine, fanout.WithLogger(s.logger))
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.QueueSize))
	s.pool = workerpool.NewPool(s.cfg.BroadcastWorkers, s.queue, s.engine, s.hub, workerpool.WithLogger(s.logger))
	s.coord = coordinator.New(s.store, s.engine,
		coordinator.WithNotifier(s.queue),
		coordinator.WithPolicy(s.policy),
		coordinator.WithMutationTimeout(s.cfg.MutationTimeout()),
		coordinator.WithLogger(s.logger),
	)
	s.pager = history.NewPager(s.store,
		history.WithMaxPageSize(s.cfg.HistoryMaxPageSize),
		history.WithLogger(s.logger),
	)
	s.idem = dedupe.NewInMemoryCache(dedupe.WithMaxSize(s.cfg.IdempotencyCacheSize))

	s.pool.Start(runCtx)
	s.seed(ctx, log)
	if _, err := s.engine.Refresh(ctx); err != nil {
		log.Warn(ctx, "initial ranking failed", logger.Error(err))
	}

	s.cancel = cancel
	s.started = true
	s.startedAt = time.Now().UTC()
	log.Info(ctx, "podium service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queue.Capacity()),
		logger.String("points", fmt.Sprint(s.policy)),
	)
	return nil
}

func (s *Service) startLimiter(ctx context.Context) error {
	rl := ratelimit.Config{Limit: s.cfg.ClaimRateLimit, Window: s.cfg.ClaimRateWindow()}
	if s.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
		r, err := ratelimit.NewRedis(client, rl)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("redis limiter: %w", err)
		}
		s.redis, s.limiter = r, r
		return nil
	}
	mem, err := ratelimit.NewInMemory(rl)
	if err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	go mem.RunCleanup(ctx, 0)
	s.limiter = mem
	return nil
}

// seed registers the configured names when the store is empty.
func (s *Service) seed(ctx context.Context, log logger.Logger) {
	if len(s.cfg.SeedNames) == 0 {
		return
	}
	n, err := s.store.CountEntities(ctx)
	if err != nil {
		log.Error(ctx, "seed skipped", logger.Error(err))
		return
	}
	if n > 0 {
		return
	}
	for _, name := range s.cfg.SeedNames {
		if _, err := s.coord.Register(ctx, name); err != nil && !errors.Is(err, model.ErrDuplicateName) {
			log.Error(ctx, "seed failed", logger.String("name", name), logger.Error(err))
		}
	}
	log.Info(ctx, "store seeded", logger.Int("entities", len(s.cfg.SeedNames)))
}

// Stop drains the broadcasters, disconnects observers and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	log := s.logger.Named("service")
	log.Info(ctx, "stopping podium service...")

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.hub.Close()
	s.cancel()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	s.started = false
	log.Info(ctx, "podium service stopped")
	return errors.Join(errs...)
}

func (s *Service) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Register creates an entity.
func (s *Service) Register(ctx context.Context, name string) (model.Entity, error) {
	if !s.running() {
		return model.Entity{}, ErrNotStarted
	}
	return s.coord.Register(ctx, name)
}

// Claim awards points to entityID. A non-empty key makes the claim
// idempotent.
func (s *Service) Claim(ctx context.Context, entityID, key string) (model.ClaimResult, error) {
	if !s.running() {
		return model.ClaimResult{}, ErrNotStarted
	}
	return s.idem.Do(ctx, key, entityID, func(ctx context.Context) (model.ClaimResult, error) {
		return s.coord.Claim(ctx, entityID)
	})
}

// Users lists every entity in registration order.
func (s *Service) Users(ctx context.Context) ([]model.Entity, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	return s.store.ListEntities(ctx)
}

// Leaderboard returns the current ranking snapshot.
func (s *Service) Leaderboard(ctx context.Context) (model.Snapshot, error) {
	if !s.running() {
		return model.Snapshot{}, ErrNotStarted
	}
	return s.engine.Current(ctx)
}

// History returns one page of the claim log.
func (s *Service) History(ctx context.Context, page, size int) (model.Page, error) {
	if !s.running() {
		return model.Page{}, ErrNotStarted
	}
	return s.pager.Page(ctx, page, size)
}

// HistoryPageSizes returns the default and maximum history page sizes.
func (s *Service) HistoryPageSizes() (int, int) {
	return s.cfg.HistoryDefaultPageSize, s.cfg.HistoryMaxPageSize
}

// Subscribe registers a new observer.
func (s *Service) Subscribe(ctx context.Context) (*fanout.Subscription, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	return s.hub.Subscribe(ctx)
}

// Unsubscribe removes an observer.
func (s *Service) Unsubscribe(sub *fanout.Subscription) {
	if s.hub != nil {
		s.hub.Unsubscribe(sub)
	}
}

// DeliveryFailed reports that writing to an observer failed.
func (s *Service) DeliveryFailed(ctx context.Context, sub *fanout.Subscription, err error) {
	if s.hub != nil {
		s.hub.ReportDeliveryFailure(ctx, sub, err)
	}
}

// Allow applies the claim rate limit to key. Without a limiter every
// request is allowed.
func (s *Service) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	if s.limiter == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	d, err := s.limiter.Allow(ctx, key)
	if err == nil && !d.Allowed {
		metrics.RecordRateLimited()
	}
	return d, err
}

// Ready reports whether the store and, when configured, Redis are reachable.
func (s *Service) Ready(ctx context.Context) error {
	if !s.running() {
		return ErrNotStarted
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.Stats{Store: s.cfg.StoreDriver}
	if !s.started {
		return stats
	}

	log := s.logger.Named("service")
	if n, err := s.store.CountEntities(ctx); err == nil {
		stats.Entities = n
	} else {
		log.Warn(ctx, "stats: count entities", logger.Error(err))
	}
	if n, err := s.store.CountEvents(ctx); err == nil {
		stats.Events = n
	} else {
		log.Warn(ctx, "stats: count events", logger.Error(err))
	}
	stats.Subscribers = s.hub.Count()
	stats.QueueLength = s.queue.Len(ctx)
	stats.QueueCapacity = s.queue.Capacity()
	stats.Workers = s.pool.Size()
	stats.Generation = s.engine.Generation()
	stats.StartedAt = s.startedAt
	stats.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	return stats
}
