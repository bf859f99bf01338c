// Package coordinator applies the two mutations of the service: registering
// an entity and claiming points for it.
//
// A claim reads the entity, raises its score and appends the event in one
// store transaction. Claims on the same entity are serialized through a
// per-entity lock; claims on different entities proceed in parallel. After a
// mutation commits, the cached ranking is invalidated and a notice is
// published so the broadcasters deliver a fresh snapshot.
//
// Once a mutation has started it runs on a context detached from the
// caller's cancellation, bounded by the mutation timeout. A client that
// goes away therefore never leaves a committed mutation unannounced.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/okian/podium/internal/adapters/mq/queue"
	"github.com/okian/podium/internal/adapters/repository"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/points"
	"github.com/okian/podium/pkg/logger"
	"github.com/okian/podium/pkg/metrics"
	"github.com/okian/podium/pkg/tracing"
)

const defaultMutationTimeout = 5 * time.Second

// Store is the part of the repository the coordinator writes through.
type Store interface {
	CreateEntity(ctx context.Context, name string) (model.Entity, error)
	Atomically(ctx context.Context, fn func(repository.Tx) error) error
}

// Invalidator marks the cached ranking stale.
type Invalidator interface {
	Invalidate()
}

// Notifier accepts "ranking changed" notices without blocking. A notice it
// refuses is not retried.
type Notifier interface {
	Publish(ctx context.Context, n model.Notice) error
}

type discardNotifier struct{}

func (discardNotifier) Publish(context.Context, model.Notice) error { return nil }

// Coordinator serializes mutations per entity.
type Coordinator struct {
	store   Store
	ranking Invalidator
	notify  Notifier
	policy  points.Policy
	locks   *lockTable
	timeout time.Duration
	now     func() time.Time
	log     logger.Logger
}

// New creates a coordinator writing to store and invalidating ranking.
func New(store Store, ranking Invalidator, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		ranking: ranking,
		notify:  discardNotifier{},
		policy:  points.NewRandomPolicy(),
		locks:   newLockTable(),
		timeout: defaultMutationTimeout,
		now:     time.Now,
		log:     logger.Get(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("coordinator")
	return c
}

// Register creates an entity with score 0.
func (c *Coordinator) Register(ctx context.Context, name string) (model.Entity, error) {
	ctx, end := tracing.StartSpan(ctx, "coordinator.register")
	e, err := c.register(ctx, name)
	end(err)
	return e, err
}

func (c *Coordinator) register(ctx context.Context, name string) (model.Entity, error) {
	name, err := model.NormalizeName(name)
	if err != nil {
		metrics.RecordRegistration(outcome(err))
		return model.Entity{}, err
	}

	mctx, cancel := c.detach(ctx)
	defer cancel()

	e, err := c.store.CreateEntity(mctx, name)
	if err != nil {
		metrics.RecordRegistration(outcome(err))
		if !model.IsClientError(err) {
			c.log.Error(ctx, "register failed", logger.String("name", name), logger.Error(err))
		}
		return model.Entity{}, fmt.Errorf("register %q: %w", name, err)
	}

	metrics.RecordRegistration("ok")
	c.changed(ctx, model.NoticeRegistered, e.ID)
	c.log.Info(ctx, "entity registered", logger.String("entity_id", e.ID), logger.String("name", e.Name))
	return e, nil
}

// Claim awards a policy-chosen number of points to entityID and records the
// event. Score update and event append commit together or not at all.
func (c *Coordinator) Claim(ctx context.Context, entityID string) (model.ClaimResult, error) {
	ctx, end := tracing.StartSpan(ctx, "coordinator.claim", attribute.String("entity.id", entityID))
	res, err := c.claim(ctx, entityID)
	end(err)
	return res, err
}

func (c *Coordinator) claim(ctx context.Context, entityID string) (model.ClaimResult, error) {
	start := time.Now()
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		metrics.RecordClaim("invalid")
		return model.ClaimResult{}, model.Invalid("entity id is required")
	}

	unlock, err := c.locks.acquire(ctx, entityID)
	if err != nil {
		metrics.RecordClaim("unavailable")
		return model.ClaimResult{}, model.Unavailable("claim "+entityID, err)
	}
	defer unlock()

	mctx, cancel := c.detach(ctx)
	defer cancel()

	delta := c.policy.Next()
	var res model.ClaimResult
	err = c.store.Atomically(mctx, func(tx repository.Tx) error {
		e, err := tx.FindEntity(mctx, entityID)
		if err != nil {
			return err
		}
		e.Score += delta
		if err := tx.UpdateScore(mctx, e.ID, e.Score); err != nil {
			return err
		}
		ev, err := tx.AppendEvent(mctx, e.ID, delta)
		if err != nil {
			return err
		}
		res = model.ClaimResult{Entity: e, Delta: delta, Event: ev}
		return nil
	})
	if err != nil {
		metrics.RecordClaim(outcome(err))
		if !model.IsClientError(err) {
			c.log.Error(ctx, "claim failed", logger.String("entity_id", entityID), logger.Error(err))
		}
		return model.ClaimResult{}, fmt.Errorf("claim %s: %w", entityID, err)
	}

	metrics.RecordClaim("ok")
	metrics.RecordClaimPoints(delta)
	metrics.RecordClaimLatency(float64(time.Since(start).Microseconds()) / 1000.0)
	c.changed(ctx, model.NoticeClaimed, entityID)
	c.log.Debug(ctx, "claim applied",
		logger.String("entity_id", entityID),
		logger.Int64("delta", delta),
		logger.Int64("score", res.Entity.Score),
	)
	return res, nil
}

// detach returns a context that ignores the caller's cancellation but keeps
// its values, bounded by the mutation timeout.
func (c *Coordinator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// changed runs after a committed mutation.
func (c *Coordinator) changed(ctx context.Context, kind model.NoticeKind, entityID string) {
	c.ranking.Invalidate()
	n := model.Notice{Kind: kind, EntityID: entityID, At: c.now().UTC()}
	err := c.notify.Publish(context.WithoutCancel(ctx), n)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrFull):
		// A notice still queued triggers a refresh that sees this mutation.
		c.log.Debug(ctx, "notice dropped, queue full", logger.String("kind", string(kind)), logger.String("entity_id", entityID))
	case errors.Is(err, queue.ErrClosed):
		c.log.Debug(ctx, "notice dropped, shutting down", logger.String("kind", string(kind)), logger.String("entity_id", entityID))
	default:
		c.log.Warn(ctx, "notice not queued", logger.String("kind", string(kind)), logger.String("entity_id", entityID), logger.Error(err))
	}
}

// outcome maps an error to the metric label of its kind.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, model.ErrDuplicateName):
		return "duplicate"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
