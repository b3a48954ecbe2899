package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTable is the session table used when none is configured.
	DefaultTable = "core__session_storage"

	// DefaultMaxLifetime is how long a record may go unwritten before the
	// garbage collector may remove it.
	DefaultMaxLifetime = 14 * 24 * time.Hour

	// DefaultGCBatchSize caps how many expired records one GC call removes.
	DefaultGCBatchSize = 500

	// DefaultGCProbability is the chance that saving a session through the
	// Manager triggers expired-record collection.
	DefaultGCProbability = 0.01

	// sessionIDLength is the schema bound on session identifiers.
	sessionIDLength = 26
)

var (
	// ErrContention is returned when concurrent creators racing on the same
	// id exhaust the create-or-load retry budget.
	ErrContention = errors.New("session storage contention")

	// ErrInvalidTable is returned for table names that are not safe SQL
	// identifiers.
	ErrInvalidTable = errors.New("invalid table name")
)

// Store persists sessions in a relational table. It implements Handler, is
// safe for concurrent use, and leaves payload bytes untouched apart from the
// fallback text encoding.
type Store struct {
	db      *sql.DB
	dialect Dialect
	env     Environment
	log     zerolog.Logger
	gcBatch int
	ownsDB  bool

	mu        sync.Mutex // Serializes writes when the dialect requires it (SQLite).
	serialize bool

	stmtMu sync.RWMutex // Guards table and stmts across SetTable.
	table  string
	stmts  *statements
}

var _ Handler = (*Store)(nil)

// StoreConfig configures a Store built over a database handle the caller
// owns. The backend-specific constructors fill it in from their own configs.
type StoreConfig struct {
	Table       string          // Session table name. Defaults to DefaultTable.
	GCBatchSize int             // Records removed per GC call. Defaults to DefaultGCBatchSize.
	Environment Environment     // Interactive-context probe. nil means always interactive.
	Logger      *zerolog.Logger // Diagnostics sink. nil disables logging.
}

// NewStore builds a session store over an existing database handle. The
// session table is created if missing. The caller keeps ownership of db:
// Close releases the prepared statements but leaves db open.
func NewStore(db *sql.DB, dialect Dialect, cfg StoreConfig) (*Store, error) {
	return newStore(db, dialect, cfg, false)
}

func newStore(db *sql.DB, dialect Dialect, cfg StoreConfig, ownsDB bool) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !validTableName(table) {
		return nil, ErrInvalidTable
	}
	gcBatch := cfg.GCBatchSize
	if gcBatch <= 0 {
		gcBatch = DefaultGCBatchSize
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	// Create table if not exists
	if _, err := db.Exec(dialect.CreateTableSQL(table)); err != nil {
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}

	stmts, err := prepareStatements(db, dialect, table)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:        db,
		dialect:   dialect,
		env:       cfg.Environment,
		log:       log,
		gcBatch:   gcBatch,
		ownsDB:    ownsDB,
		serialize: dialect.SerializeWrites(),
		table:     table,
		stmts:     stmts,
	}, nil
}

// statements holds the per-table prepared statement set. SetTable swaps the
// whole set at once.
type statements struct {
	selectStmt  *sql.Stmt
	insertStmt  *sql.Stmt
	upsertStmt  *sql.Stmt
	deleteStmt  *sql.Stmt
	collectStmt *sql.Stmt
}

func prepareStatements(db *sql.DB, d Dialect, table string) (*statements, error) {
	st := &statements{}
	var err error

	st.selectStmt, err = db.Prepare(d.Rebind(fmt.Sprintf(
		"SELECT haystack, last_update FROM %s WHERE id = ?", table)))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare select statement: %w", err)
	}

	st.insertStmt, err = db.Prepare(d.Rebind(fmt.Sprintf(
		"INSERT INTO %s (id, haystack, last_update) VALUES (?, ?, ?)", table)))
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	st.upsertStmt, err = db.Prepare(d.Rebind(fmt.Sprintf(`
		INSERT INTO %s (id, haystack, last_update)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			haystack = excluded.haystack,
			last_update = excluded.last_update
	`, table)))
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	st.deleteStmt, err = db.Prepare(d.Rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE id = ?", table)))
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	st.collectStmt, err = db.Prepare(d.Rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE last_update < ? LIMIT ?)", table, table)))
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to prepare collect statement: %w", err)
	}

	return st, nil
}

func (st *statements) close() {
	if st.selectStmt != nil {
		st.selectStmt.Close()
	}
	if st.insertStmt != nil {
		st.insertStmt.Close()
	}
	if st.upsertStmt != nil {
		st.upsertStmt.Close()
	}
	if st.deleteStmt != nil {
		st.deleteStmt.Close()
	}
	if st.collectStmt != nil {
		st.collectStmt.Close()
	}
}

func (s *Store) statements() *statements {
	s.stmtMu.RLock()
	st := s.stmts
	s.stmtMu.RUnlock()
	return st
}

func (s *Store) interactive() bool {
	return s.env == nil || s.env.Interactive()
}

func validateID(id string) error {
	if id == "" || len(id) > sessionIDLength {
		return ErrInvalidSessionID
	}
	return nil
}

// Table returns the session table currently in use.
func (s *Store) Table() string {
	s.stmtMu.RLock()
	defer s.stmtMu.RUnlock()
	return s.table
}

// SetTable switches the store to a different session table, creating it if
// missing and re-preparing all statements. Callers must not switch tables
// while sessions are being served.
func (s *Store) SetTable(name string) error {
	if !validTableName(name) {
		return ErrInvalidTable
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if name == s.table {
		return nil
	}
	if _, err := s.db.Exec(s.dialect.CreateTableSQL(name)); err != nil {
		return fmt.Errorf("failed to create session table: %w", err)
	}
	stmts, err := prepareStatements(s.db, s.dialect, name)
	if err != nil {
		return err
	}
	s.stmts.close()
	s.stmts = stmts
	s.table = name
	return nil
}

// Open verifies the storage connection.
func (s *Store) Open(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close releases the prepared statements, and the database handle when the
// store opened it itself.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	s.stmts.close()
	s.stmtMu.Unlock()

	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Read returns the payload stored under id, creating an empty record on
// first use. A missing record is never an error.
func (s *Store) Read(ctx context.Context, id string) ([]byte, error) {
	if !s.interactive() {
		return nil, nil
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	rec, err := s.loadOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodePayload(rec.payload)
}

// Write persists data under id and stamps the record's last update time.
// Payloads a text column cannot hold are stored in the marker-prefixed
// base64 form; a verbatim write the connection still rejects for encoding
// reasons is retried once in that form.
func (s *Store) Write(ctx context.Context, id string, data []byte) error {
	if !s.interactive() {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}

	payload := encodePayload(data)
	err := s.persist(ctx, id, payload)
	if err == nil {
		return nil
	}
	if strings.HasPrefix(payload, encodedPrefix) || !s.dialect.IsEncodingViolation(err) {
		return fmt.Errorf("failed to write session: %w", err)
	}

	s.log.Debug().Str("id", id).Msg("payload rejected by connection encoding, retrying base64")
	if err := s.persist(ctx, id, encodeFallback(data)); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, id, payload string) error {
	st := s.statements()

	if s.serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	_, err := st.upsertStmt.ExecContext(ctx, id, payload, time.Now().UTC())
	return err
}

// Destroy removes the record for id. Destroying an id that was never seen
// or is already gone succeeds.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if !s.interactive() {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}

	st := s.statements()

	if s.serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if _, err := st.deleteStmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// GC removes records whose last update is older than maxLifetime and returns
// the number removed, at most the configured batch size per call. Remaining
// expired records are picked up by subsequent calls.
func (s *Store) GC(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	if !s.interactive() {
		return 0, nil
	}
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}
	cutoff := time.Now().UTC().Add(-maxLifetime)

	st := s.statements()

	if s.serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	res, err := st.collectStmt.ExecContext(ctx, cutoff, s.gcBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to collect expired sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count collected sessions: %w", err)
	}
	if removed > 0 {
		s.log.Debug().Int64("removed", removed).Str("table", s.Table()).Msg("collected expired sessions")
	}
	return removed, nil
}
