package queue

import (
	"strconv"
	"strings"
)

// Dialect holds the SQL that differs between supported databases.
type Dialect struct {
	Name string
	// NowMillis evaluates to the database's own clock in Unix milliseconds.
	NowMillis string
	Schema    string
	numbered  bool
}

var SQLite = Dialect{
	Name:      "sqlite",
	NowMillis: `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`,
	Schema: `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  task_name TEXT NOT NULL,
  task_instance TEXT NOT NULL,
  execution_time INTEGER NOT NULL,
  picked BOOLEAN NOT NULL DEFAULT 0,
  picked_by TEXT,
  last_heartbeat INTEGER,
  version INTEGER NOT NULL DEFAULT 1,
  payload BLOB,
  recurring BOOLEAN NOT NULL DEFAULT 0,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  last_success INTEGER,
  last_failure INTEGER,
  PRIMARY KEY (task_name, task_instance)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(picked, execution_time);
`,
}

var Postgres = Dialect{
	Name:      "postgres",
	NowMillis: `CAST(EXTRACT(EPOCH FROM clock_timestamp()) * 1000 AS BIGINT)`,
	Schema: `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  task_name TEXT NOT NULL,
  task_instance TEXT NOT NULL,
  execution_time BIGINT NOT NULL,
  picked BOOLEAN NOT NULL DEFAULT FALSE,
  picked_by TEXT,
  last_heartbeat BIGINT,
  version BIGINT NOT NULL DEFAULT 1,
  payload BYTEA,
  recurring BOOLEAN NOT NULL DEFAULT FALSE,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  last_success BIGINT,
  last_failure BIGINT,
  PRIMARY KEY (task_name, task_instance)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(picked, execution_time);
`,
	numbered: true,
}

// Rebind rewrites ? placeholders into $n form for dialects that need it.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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
