// Package storage opens the relational backend shared by every agentguard
// store and applies the schema migration sequence.
//
// Two backends are supported, selected by DSN prefix: PostgreSQL via the
// pgx stdlib driver for postgres:// / postgresql:// DSNs, and SQLite via
// modernc.org/sqlite for everything else (a plain file path is a valid
// SQLite DSN).
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// DB wraps the shared *sql.DB together with the backend flavor, which the
// domain stores need for placeholder rebinding and lock syntax.
type DB struct {
	SQL      *sql.DB
	Postgres bool
}

// Open connects to the database named by dsn and verifies the connection.
// The caller owns the returned handle and should Close it on shutdown.
func Open(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "agentguard.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error

	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		// SQLite: ensure the parent directory exists for plain file paths.
		if !strings.HasPrefix(dsn, "file:") {
			dir := filepath.Dir(dsn)
			if dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("create database directory: %w", err)
				}
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// Enable WAL mode for better concurrent read performance.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		// SQLite allows a single writer; a pool of one connection turns
		// would-be SQLITE_BUSY errors into queueing.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{SQL: db, Postgres: isPostgres}, nil
}

// Migrate applies the embedded goose migration sequence for the active
// backend. Safe to call on every startup; applied versions are skipped.
func (d *DB) Migrate() error {
	dialect, dir := "sqlite3", "migrations/sqlite"
	if d.Postgres {
		dialect, dir = "postgres", "migrations/postgres"
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(d.SQL, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.SQL.Close()
}

// Rebind rewrites a query that uses ? placeholders into one using $N
// placeholders when the store is backed by PostgreSQL.
func (d *DB) Rebind(query string) string {
	if !d.Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}
