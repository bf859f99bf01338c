package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/metrics"
	"github.com/okian/podium/pkg/tracing"
)

// SQLStore persists entities and events in SQLite or PostgreSQL.
type SQLStore struct {
	db   *sql.DB
	d    dialect
	opts options
}

var _ Store = (*SQLStore)(nil)

// Open returns the store selected by driver: memory, sqlite or postgres.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(opts...), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, driver, dsn, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// OpenSQL connects, creates the schema and seeds the event clock from the
// newest persisted timestamp.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{opts: defaultOptions()}
	for _, opt := range opts {
		opt(&s.opts)
	}

	switch driver {
	case DriverSQLite:
		s.d = sqliteDialect
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		s.d = postgresDialect
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	s.opts.log = s.opts.log.Named("repository." + s.d.name)

	db, err := sql.Open(s.d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.d.name, err)
	}
	if s.d.name == DriverSQLite {
		// One long-lived connection serializes writers, which keeps event
		// timestamps in commit order and keeps ":memory:" databases alive.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(s.opts.maxOpenConns)
		db.SetMaxIdleConns(max(s.opts.maxOpenConns/2, 1))
		db.SetConnMaxLifetime(s.opts.connMaxLifetime)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fail("sql.migrate", err)
	}
	if err := s.seedClock(ctx); err != nil {
		_ = db.Close()
		return nil, fail("sql.seed_clock", err)
	}
	s.opts.log.Info(ctx, "store opened")
	return s, nil
}

// sqliteDSN adds the WAL and busy timeout pragmas unless the caller set
// its own query string.
func sqliteDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return ":memory:"
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.schema)
	return err
}

func (s *SQLStore) seedClock(ctx context.Context) error {
	var newest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM events`).Scan(&newest)
	if err != nil {
		return err
	}
	s.opts.clock.Observe(time.Unix(0, newest))
	return nil
}

// q rebinds a query for the active dialect.
func (s *SQLStore) q(query string) string { return s.d.rebind(query) }

// run wraps one store operation with a span, latency metric and, on
// SQLite, retries of transient lock errors.
func (s *SQLStore) run(ctx context.Context, op, table, kind string, fn func(ctx context.Context) error) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, s.d.name, table, kind)
	defer func() { end(err) }()
	defer observe(op, time.Now())

	if s.d.retry {
		cfg := s.opts.retry
		err = retryOp(ctx, cfg, func() error { return fn(ctx) })
	} else {
		err = fn(ctx)
	}
	if err != nil {
		if model.IsClientError(err) || errors.Is(err, model.ErrStoreUnavailable) {
			return err
		}
		return fail(op, err)
	}
	return nil
}

// CreateEntity registers name with score 0.
func (s *SQLStore) CreateEntity(ctx context.Context, name string) (model.Entity, error) {
	e := model.Entity{ID: s.opts.newID(), Name: name, CreatedAt: s.opts.clock.Tick()}
	err := s.run(ctx, "sql.create_entity", "entities", "insert", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			s.q(`INSERT INTO entities (id, name, score, created_at) VALUES (?, ?, 0, ?)`),
			e.ID, e.Name, e.CreatedAt.UnixNano())
		if err != nil && isUniqueViolation(err) {
			return fail("sql.create_entity", err)
		}
		return err
	})
	if err != nil {
		return model.Entity{}, err
	}
	return e, nil
}

// ListEntities returns every entity in insertion order.
func (s *SQLStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	var out []model.Entity
	err := s.run(ctx, "sql.list_entities", "entities", "query", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, score, created_at FROM entities ORDER BY seq`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindEntity returns the entity with id.
func (s *SQLStore) FindEntity(ctx context.Context, id string) (model.Entity, error) {
	var e model.Entity
	err := s.run(ctx, "sql.find_entity", "entities", "query", func(ctx context.Context) error {
		var err error
		e, err = findEntity(ctx, s.db, s.q(`SELECT id, name, score, created_at FROM entities WHERE id = ?`), id)
		return err
	})
	return e, err
}

// CountEntities returns the number of entities.
func (s *SQLStore) CountEntities(ctx context.Context) (int, error) {
	return s.count(ctx, "sql.count_entities", "entities")
}

// CountEvents returns the number of events.
func (s *SQLStore) CountEvents(ctx context.Context) (int, error) {
	return s.count(ctx, "sql.count_events", "events")
}

func (s *SQLStore) count(ctx context.Context, op, table string) (int, error) {
	var n int
	err := s.run(ctx, op, table, "query", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	})
	return n, err
}

// PageEvents reads the count and one page inside a single transaction.
// PostgreSQL runs it REPEATABLE READ so both statements see one snapshot.
func (s *SQLStore) PageEvents(ctx context.Context, offset, limit int) ([]model.HistoryEntry, int, error) {
	if offset < 0 || limit < 1 {
		return nil, 0, model.Invalid("offset must be >= 0 and limit >= 1")
	}
	var (
		out   []model.HistoryEntry
		total int
	)
	err := s.run(ctx, "sql.page_events", "events", "query", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, s.d.pageTx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT ev.id, ev.entity_id, ev.delta, ev.created_at, ev.seq, COALESCE(en.name, '')
			FROM events ev
			LEFT JOIN entities en ON en.id = ev.entity_id
			ORDER BY ev.created_at DESC, ev.seq DESC
			LIMIT ? OFFSET ?`), limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]model.HistoryEntry, 0, limit)
		for rows.Next() {
			var (
				h  model.HistoryEntry
				at int64
			)
			if err := rows.Scan(&h.ID, &h.EntityID, &h.Delta, &at, &h.Seq, &h.EntityName); err != nil {
				return err
			}
			h.At = time.Unix(0, at).UTC()
			out = append(out, h)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Atomically runs fn in a database transaction. On SQLite the whole
// transaction is retried on lock contention, so fn must not keep state
// between attempts other than what it returns through Tx.
func (s *SQLStore) Atomically(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, "sql.atomically", "", "transaction", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(&sqlTx{s: s, tx: tx}); err != nil {
			_ = tx.Rollback()
			metrics.RecordStoreRollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			metrics.RecordStoreRollback()
			return err
		}
		return nil
	})
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return model.Unavailable("sql.ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for maintenance tasks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the backend name: sqlite or postgres.
func (s *SQLStore) Dialect() string { return s.d.name }

// sqlTx implements Tx on a *sql.Tx.
type sqlTx struct {
	s  *SQLStore
	tx *sql.Tx
}

func (t *sqlTx) FindEntity(ctx context.Context, id string) (model.Entity, error) {
	return findEntity(ctx, t.tx,
		t.s.q(`SELECT id, name, score, created_at FROM entities WHERE id = ?`+t.s.d.forUpdate), id)
}

func (t *sqlTx) UpdateScore(ctx context.Context, id string, score int64) error {
	if score < 0 {
		return model.Invalid("score must be >= 0")
	}
	res, err := t.tx.ExecContext(ctx, t.s.q(`UPDATE entities SET score = ? WHERE id = ?`), score, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sql.update_score: %w", model.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, entityID string, delta int64) (model.Event, error) {
	if delta < 1 {
		return model.Event{}, model.Invalid("delta must be >= 1")
	}
	ev := model.Event{
		ID:       t.s.opts.newID(),
		EntityID: entityID,
		Delta:    delta,
		At:       t.s.opts.clock.Tick(),
	}
	err := t.tx.QueryRowContext(ctx,
		t.s.q(`INSERT INTO events (id, entity_id, delta, created_at) VALUES (?, ?, ?, ?) RETURNING seq`),
		ev.ID, ev.EntityID, ev.Delta, ev.At.UnixNano()).Scan(&ev.Seq)
	if err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findEntity(ctx context.Context, q queryer, query, id string) (model.Entity, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, fmt.Errorf("find entity %q: %w", id, model.ErrNotFound)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (model.Entity, error) {
	var (
		e  model.Entity
		at int64
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Score, &at); err != nil {
		return model.Entity{}, err
	}
	e.CreatedAt = time.Unix(0, at).UTC()
	return e, nil
}
