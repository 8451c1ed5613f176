package queue

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the configured database and returns the matching dialect.
// For sqlite, dsn is a file path.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		db, err := sql.Open("sqlite", SQLiteDSN(dsn))
		if err != nil {
			return nil, Dialect{}, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		db.SetMaxIdleConns(1)
		return db, SQLite, nil
	case "postgres", "postgresql":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, Dialect{}, fmt.Errorf("open postgres: %w", err)
		}
		return db, Postgres, nil
	default:
		return nil, Dialect{}, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
}
