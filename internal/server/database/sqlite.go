package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// migrations contains all schema migrations in order. Each migration has a
// version key and SQL to execute; applied versions are tracked in
// schema_migrations and skipped on subsequent startups.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS files (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				path      TEXT    NOT NULL UNIQUE,
				sha256    TEXT,
				file_size INTEGER NOT NULL DEFAULT 0,
				info      TEXT
			);
		`,
	},
	{
		Version: "000002_create_share_links",
		SQL: `
			CREATE TABLE IF NOT EXISTS share_links (
				id         TEXT    PRIMARY KEY,
				expiration INTEGER NOT NULL,
				created_at INTEGER NOT NULL
			);
			CREATE TABLE IF NOT EXISTS share_link_files (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				share_link_id TEXT    NOT NULL REFERENCES share_links(id),
				file_id       INTEGER NOT NULL REFERENCES files(id),
				position      INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_share_link_files_share
				ON share_link_files(share_link_id, position);
		`,
	},
	{
		Version: "000003_create_download",
		SQL: `
			CREATE TABLE IF NOT EXISTS download (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				transaction_id TEXT    NOT NULL,
				file_path      TEXT    NOT NULL,
				ip_address     TEXT    NOT NULL,
				status         TEXT    NOT NULL,
				file_size      INTEGER,
				started_at     INTEGER NOT NULL,
				finished_at    INTEGER
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_download_transaction_id
				ON download(transaction_id);
			CREATE INDEX IF NOT EXISTS idx_download_recent
				ON download(finished_at DESC, started_at DESC);
			CREATE INDEX IF NOT EXISTS idx_download_status
				ON download(status);
		`,
	},
	{
		Version: "000004_create_tasks",
		SQL: `
			CREATE TABLE IF NOT EXISTS tasks (
				id          TEXT    PRIMARY KEY,
				task_type   TEXT    NOT NULL,
				status      TEXT    NOT NULL,
				input_data  TEXT    NOT NULL,
				output_data TEXT,
				progress    INTEGER NOT NULL DEFAULT 0,
				error       TEXT,
				created_at  INTEGER NOT NULL,
				started_at  INTEGER,
				finished_at INTEGER
			);
		`,
	},
	{
		Version: "000005_create_admin_users",
		SQL: `
			CREATE TABLE IF NOT EXISTS admin_users (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				email      TEXT    NOT NULL,
				google_id  TEXT    NOT NULL,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_admin_users_google_id
				ON admin_users(google_id);
		`,
	},
}

// DB wraps the sql.DB pool for the embedded store.
type DB struct {
	Pool           *sql.DB
	acquireTimeout time.Duration
}

// Options bound the connection pool.
type Options struct {
	MaxConnections int
	MinConnections int
	AcquireTimeout time.Duration
}

// New opens (creating if missing) the SQLite file at path and configures the
// connection pool. path may be ":memory:" in tests.
func New(path string, opts Options) (*DB, error) {
	// _busy_timeout keeps concurrent writers from failing immediately under
	// SQLite's single-writer model; WAL lets readers proceed during writes.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	pool, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxConnections > 0 {
		pool.SetMaxOpenConns(opts.MaxConnections)
	}
	if opts.MinConnections > 0 {
		pool.SetMaxIdleConns(opts.MinConnections)
	}

	if err := pool.Ping(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database", "path", path)
	return &DB{Pool: pool, acquireTimeout: opts.AcquireTimeout}, nil
}

// RunMigrations applies all pending schema migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT    PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.Version, time.Now().Unix(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// opContext bounds a store operation by the configured acquire timeout.
func (db *DB) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.acquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.acquireTimeout)
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.PingContext(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	return db.Pool.Close()
}
