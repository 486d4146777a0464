// Package postgres is the repository.Store backed by PostgreSQL through pgx.
//
// Every conditional method is a single UPDATE whose WHERE clause is the
// precondition; zero affected rows is reported as false. Nested WithinTx
// calls become savepoints.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/ordercore/internal/repository"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.HealthCheckPeriod > 0 {
		pcfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Store implements repository.Store over a pgx pool.
type Store struct {
	*querier

	pool          *pgxpool.Pool
	transactional bool
}

// Compile-time check that Store implements repository.Store.
var _ repository.Store = (*Store)(nil)

// NewStore checks transaction support once and returns the store.
func NewStore(ctx context.Context, pool *pgxpool.Pool) *Store {
	s := &Store{querier: &querier{db: pool}, pool: pool}

	if tx, err := pool.Begin(ctx); err == nil {
		_ = tx.Rollback(ctx)
		s.transactional = true
	}
	return s
}

// SupportsTransactions implements repository.Store.
func (s *Store) SupportsTransactions() bool {
	return s.transactional
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// querier implements repository.Querier over either the pool or a tx.
type querier struct {
	db dbtx
}

// WithinTx implements repository.Querier. On the pool it begins a
// transaction; inside one, pgx.Tx.Begin creates a savepoint.
func (q *querier) WithinTx(ctx context.Context, fn func(q repository.Querier) error) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	if err := fn(&querier{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// mapInsertErr translates a unique violation into repository.ErrDuplicate.
func mapInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrDuplicate
	}
	return err
}

// mapGetErr translates pgx.ErrNoRows into repository.ErrNotFound.
func mapGetErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

// affected reports whether a conditional statement matched its row.
func affected(tag pgconn.CommandTag, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
