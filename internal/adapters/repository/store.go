// Package repository defines the entity store and event log contracts and
// their implementations.
package repository

import (
	"context"

	"github.com/okian/podium/internal/domain/model"
)

// EntityStore holds the scored entities.
type EntityStore interface {
	// CreateEntity registers name with score 0.
	// Returns model.ErrDuplicateName if the name is taken.
	CreateEntity(ctx context.Context, name string) (model.Entity, error)
	// ListEntities returns every entity in insertion order.
	ListEntities(ctx context.Context) ([]model.Entity, error)
	// FindEntity returns model.ErrNotFound for unknown ids.
	FindEntity(ctx context.Context, id string) (model.Entity, error)
	CountEntities(ctx context.Context) (int, error)
}

// EventLog is the append-only record of score changes. Events are appended
// through a Tx so they commit together with the score update.
type EventLog interface {
	// PageEvents returns up to limit events newest first, skipping offset,
	// with entity names resolved at read time, plus the total event count.
	// Rows and count come from the same read.
	PageEvents(ctx context.Context, offset, limit int) ([]model.HistoryEntry, int, error)
	CountEvents(ctx context.Context) (int, error)
}

// Tx is the unit of work passed to Store.Atomically.
type Tx interface {
	// FindEntity reads an entity inside the transaction.
	FindEntity(ctx context.Context, id string) (model.Entity, error)
	// UpdateScore sets the score of an existing entity.
	UpdateScore(ctx context.Context, id string, score int64) error
	// AppendEvent records delta for entityID. The store assigns id,
	// timestamp and sequence.
	AppendEvent(ctx context.Context, entityID string, delta int64) (model.Event, error)
}

// Store is the durable state of the service.
type Store interface {
	EntityStore
	EventLog

	// Atomically runs fn in a transaction. Every Tx operation commits when
	// fn returns nil; none of them is observable otherwise.
	Atomically(ctx context.Context, fn func(Tx) error) error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
