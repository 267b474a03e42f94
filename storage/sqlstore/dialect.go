package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported engines.
type Dialect struct {
	// Name is used in logs and error components.
	Name string
	// Numbered selects $1-style placeholders instead of '?'.
	Numbered bool
	// SerialPK is the column definition of an auto-incrementing primary key.
	SerialPK string
	// BigInt is the integer type used for unix-nanosecond timestamps.
	BigInt string
}

var (
	// SQLite targets github.com/mattn/go-sqlite3.
	SQLite = Dialect{
		Name:     "sqlite",
		SerialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
		BigInt:   "INTEGER",
	}
	// Postgres targets github.com/lib/pq.
	Postgres = Dialect{
		Name:     "postgres",
		Numbered: true,
		SerialPK: "BIGSERIAL PRIMARY KEY",
		BigInt:   "BIGINT",
	}
)

// rebind rewrites '?' placeholders for dialects using numbered ones.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS entities (
			seq         ` + d.SerialPK + `,
			kind        TEXT NOT NULL,
			entity_key  TEXT NOT NULL,
			idx         TEXT NOT NULL DEFAULT '',
			data        TEXT NOT NULL,
			updated_at  ` + d.BigInt + ` NOT NULL,
			UNIQUE (kind, entity_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_kind_idx ON entities (kind, idx)`,
		`CREATE TABLE IF NOT EXISTS pending_mutations (
			seq         ` + d.SerialPK + `,
			id          TEXT NOT NULL UNIQUE,
			kind        TEXT NOT NULL,
			payload     TEXT,
			target_id   TEXT NOT NULL DEFAULT '',
			created_at  ` + d.BigInt + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_target ON pending_mutations (target_id, seq)`,
		`CREATE TABLE IF NOT EXISTS mutation_attempts (
			mutation_id TEXT PRIMARY KEY,
			attempts    INTEGER NOT NULL,
			last_error  TEXT,
			updated_at  ` + d.BigInt + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_mutations (
			id          TEXT PRIMARY KEY,
			seq         ` + d.BigInt + ` NOT NULL,
			kind        TEXT NOT NULL,
			payload     TEXT,
			target_id   TEXT NOT NULL DEFAULT '',
			created_at  ` + d.BigInt + ` NOT NULL,
			reason      TEXT,
			dead_at     ` + d.BigInt + ` NOT NULL
		)`,
	}
}
