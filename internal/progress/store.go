package progress

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mediamill/internal/config"
	"mediamill/internal/services"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates the state database was created by an
// incompatible version.
var ErrSchemaMismatch = errors.New("state database schema version mismatch")

// Store persists jobs, batches, and per-stage progress records in the state
// database. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens the state database at the configured path.
func Open(cfg *config.Config) (*Store, error) {
	return OpenPath(cfg.StateDatabasePath())
}

// OpenPath opens or creates the state database at path.
func OpenPath(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply state schema: %w", err)
	}
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("record state schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read state schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: have %d want %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

const busyRetries = 5

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isBusy(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Fixed-width so ORDER BY created_at sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func notFound(entity, id string) error {
	return services.Wrap(services.ErrNotFound, "", "state lookup", fmt.Sprintf("%s %s not found", entity, id), nil)
}
