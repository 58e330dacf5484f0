// Package statestore persists per-instrument rotation state in DuckDB so a
// file left open at shutdown can be staged after the next start.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
)

var log = logging.Component("statestore")

// openTimeout bounds the ping and schema setup in New.
const openTimeout = 5 * time.Second

// Config configures a Store.
type Config struct {
	// DSN is the database file, <state_dir>/state.duckdb. Empty opens an
	// in-memory database that is lost on Close.
	DSN string

	// MaxOpenConns caps concurrent connections. Each poll instrument saves
	// on every bin change, so a handful is plenty.
	MaxOpenConns int

	// QueryTimeout bounds statements whose context has no deadline.
	QueryTimeout time.Duration
}

// DefaultConfig returns the default store settings.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns: 4,
		QueryTimeout: 10 * time.Second,
	}
}

// Store keeps rotation state in a DuckDB file. It implements
// rotation.StateStore.
//
// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	cfg Config

	mu     sync.RWMutex
	closed bool
}

// New opens (or creates) the database and applies the schema.
func New(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}

	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open state db %q: %w", cfg.DSN, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db %q: %w", cfg.DSN, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("state store opened", "dsn", cfg.DSN)
	return &Store{db: db, cfg: cfg}, nil
}

// Close closes the database. Further calls return errors.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping checks that the database still answers.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// inTx runs fn in a transaction, rolling back when fn fails or ctx ends
// before commit. Caller holds s.mu.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("cancelled before commit: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
