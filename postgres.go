package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgreSQLDialect adapts the store to the lib/pq driver.
type PostgreSQLDialect struct{}

func (PostgreSQLDialect) Name() string { return "postgres" }

func (PostgreSQLDialect) SerializeWrites() bool { return false }

func (PostgreSQLDialect) CreateTableSQL(table string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id VARCHAR(26) PRIMARY KEY,
		haystack TEXT NOT NULL,
		last_update TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_last_update ON %[1]s (last_update);
	`, table)
}

func (PostgreSQLDialect) Rebind(query string) string { return rebindNumbered(query) }

// IsDuplicateKey matches unique_violation (23505).
func (PostgreSQLDialect) IsDuplicateKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsEncodingViolation matches the character-data errors the server raises
// when a payload cannot be represented in its encoding: 22021
// (character_not_in_repertoire) and 22P05 (untranslatable_character).
func (PostgreSQLDialect) IsEncodingViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "22021", "22P05":
		return true
	}
	return false
}

// PostgreSQLConfig holds configuration for the PostgreSQL store.
type PostgreSQLConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	GCBatchSize     int
	Environment     Environment
	Logger          *zerolog.Logger
}

func defaultPostgreSQLConfig(dsn string) PostgreSQLConfig {
	return PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgreSQLStore creates a PostgreSQL-backed session store with default
// configuration.
func NewPostgreSQLStore(dsn string) (*Store, error) {
	return NewPostgreSQLStoreWithConfig(defaultPostgreSQLConfig(dsn))
}

// NewPostgreSQLStoreWithConfig creates a PostgreSQL-backed session store with
// custom configuration.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	store, err := newStore(db, PostgreSQLDialect{}, StoreConfig{
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
