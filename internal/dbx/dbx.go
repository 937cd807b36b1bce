// Package dbx wraps a pgx connection pool with the transaction shape the
// executor needs: begin, run the caller's statements, commit — rolling back
// and propagating on any error, with no retry-on-conflict. The teacher's
// storage layer retries serialization conflicts with backoff; tasks here
// are expected to run at most once per scheduler pass, so a conflict is
// surfaced as a plain failure instead.
package dbx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is a handle to the warehouse connection pool.
type Pool struct {
	pool *pgxpool.Pool
}

// Execer is the narrow slice of pgx.Tx that a transaction callback needs —
// just enough to run a statement. pgx.Tx satisfies this implicitly, and a
// test fake can implement it without pulling in a real connection.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Open parses dsn and establishes a connection pool against it.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging warehouse: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Close releases every connection in the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// RunInTransaction begins a transaction, invokes fn with it, and commits iff
// fn returns nil. Any error from fn, or from the commit itself, rolls the
// transaction back (best-effort — the rollback error is not returned, since
// the original failure is what matters to the caller). An error from fn is
// returned as is; a commit error is returned wrapped. There is no retry: a
// failed transaction is a failed task.
func (p *Pool) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Execer) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ProbeRowExists runs query, a row-existence style assertion probe, on its
// own connection and reports whether any row was returned. A non-empty
// result means the assertion was violated.
func (p *Pool) ProbeRowExists(ctx context.Context, query string) (bool, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return false, fmt.Errorf("running probe: %w", err)
	}
	defer rows.Close()
	exists := rows.Next()
	return exists, rows.Err()
}

// ProbeCount runs query, expected to return a single row with a single
// integer count column, and returns that count.
func (p *Pool) ProbeCount(ctx context.Context, query string) (int64, error) {
	var count int64
	row := p.pool.QueryRow(ctx, query)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("running count probe: %w", err)
	}
	return count, nil
}

// TableExists reports whether schema.table is already present, via a
// parameterized information_schema.tables lookup.
func (p *Pool) TableExists(ctx context.Context, schema, table string) (bool, error) {
	const query = `SELECT count(1) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`
	var count int64
	row := p.pool.QueryRow(ctx, query, schema, table)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("checking table existence: %w", err)
	}
	return count > 0, nil
}

// Exec runs a single statement within tx, wrapping any error with the
// statement's role for easier diagnosis (the caller supplies a short label
// like "DDL" or "ANALYZE").
func Exec(ctx context.Context, tx Execer, label, statement string) error {
	if _, err := tx.Exec(ctx, statement); err != nil {
		return fmt.Errorf("executing %s: %w", label, err)
	}
	return nil
}
