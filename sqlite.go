package session

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteDialect adapts the store to the CGO-free modernc.org/sqlite driver.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

// SerializeWrites is true for SQLite: concurrent writers trip SQLITE_BUSY.
func (SQLiteDialect) SerializeWrites() bool { return true }

func (SQLiteDialect) CreateTableSQL(table string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		haystack TEXT NOT NULL,
		last_update DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_last_update ON %[1]s (last_update);
	`, table)
}

func (SQLiteDialect) Rebind(query string) string { return query }

// IsDuplicateKey matches the primary-key and unique constraint result codes.
func (SQLiteDialect) IsDuplicateKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT,
		sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
		sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// IsEncodingViolation is always false: SQLite TEXT columns accept any byte
// sequence, so a verbatim write is never rejected for encoding reasons.
func (SQLiteDialect) IsEncodingViolation(err error) bool { return false }

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	GCBatchSize     int
	Environment     Environment
	Logger          *zerolog.Logger
}

// NewSQLiteStore creates a SQLite-backed session store with default
// configuration.
func NewSQLiteStore(dsn string) (*Store, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

// NewSQLiteStoreWithConfig creates a SQLite-backed session store with custom
// configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*Store, error) {
	// Inject PRAGMAs into the DSN so they apply to all connections in the
	// pool, not just the first one.

	// synchronous=NORMAL is safe in WAL mode and faster.
	if !strings.Contains(cfg.DSN, "synchronous") {
		separator := "?"
		if strings.Contains(cfg.DSN, "?") {
			separator = "&"
		}
		cfg.DSN = fmt.Sprintf("%s%s_pragma=synchronous=NORMAL", cfg.DSN, separator)
	}

	// busy_timeout to wait for locks
	if !strings.Contains(cfg.DSN, "busy_timeout") {
		separator := "?"
		if strings.Contains(cfg.DSN, "?") {
			separator = "&"
		}
		cfg.DSN = fmt.Sprintf("%s%s_pragma=busy_timeout=5000", cfg.DSN, separator)
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Enable WAL mode for better concurrent access. This is persistent for
	// the database file, so executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store, err := newStore(db, SQLiteDialect{}, StoreConfig{
		Table:       cfg.Table,
		GCBatchSize: cfg.GCBatchSize,
		Environment: cfg.Environment,
		Logger:      cfg.Logger,
	}, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
