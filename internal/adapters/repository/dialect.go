package repository

import (
	"database/sql"
	"strconv"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name      string
	driver    string // database/sql driver name
	schema    string
	forUpdate string         // row lock suffix for reads inside a claim
	pageTx    *sql.TxOptions // options for the history page read
	numbered  bool           // $1-style placeholders
	retry     bool           // retry transient lock errors
}

var sqliteDialect = dialect{
	name:   DriverSQLite,
	driver: "sqlite",
	schema: `
	CREATE TABLE IF NOT EXISTS entities (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT    NOT NULL UNIQUE,
		name       TEXT    NOT NULL UNIQUE,
		score      INTEGER NOT NULL DEFAULT 0 CHECK (score >= 0),
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT    NOT NULL UNIQUE,
		entity_id  TEXT    NOT NULL,
		delta      INTEGER NOT NULL CHECK (delta > 0),
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id);
	`,
	pageTx: &sql.TxOptions{},
	retry:  true,
}

var postgresDialect = dialect{
	name:   DriverPostgres,
	driver: "postgres",
	schema: `
	CREATE TABLE IF NOT EXISTS entities (
		seq        BIGSERIAL PRIMARY KEY,
		id         TEXT      NOT NULL UNIQUE,
		name       TEXT      NOT NULL UNIQUE,
		score      BIGINT    NOT NULL DEFAULT 0 CHECK (score >= 0),
		created_at BIGINT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq        BIGSERIAL PRIMARY KEY,
		id         TEXT      NOT NULL UNIQUE,
		entity_id  TEXT      NOT NULL,
		delta      BIGINT    NOT NULL CHECK (delta > 0),
		created_at BIGINT    NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id);
	`,
	forUpdate: " FOR UPDATE",
	pageTx:    &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	numbered:  true,
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
