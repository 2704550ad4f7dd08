package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema/postgres.sql
var postgresSchema string

//go:embed schema/sqlite.sql
var sqliteSchema string

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Open returns the store for backend. SQL backends are migrated before use.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendPostgres, "pg":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return migrated(newSQLStore(ctx, db, postgresDialect))
	case BackendSQLite, "sqlite3":
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// transactions serialize on the single connection
		db.SetMaxOpenConns(1)
		return migrated(newSQLStore(ctx, db, sqliteDialect))
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

func migrated(s *SQLStore, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newSQLStore pings db and applies the schema for the dialect.
func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	schema := postgresSchema
	if d.name == sqliteDialect.name {
		schema = sqliteSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return &SQLStore{db: db, d: d}, nil
}
