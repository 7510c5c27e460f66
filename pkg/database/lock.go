package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountLocker guarantees a single running pipeline per account.
type AccountLocker interface {
	Acquire(ctx context.Context, account string) (release func(), err error)
}

// ErrAccountLocked is returned when another process already runs the account.
var ErrAccountLocked = errors.New("account pipeline already running elsewhere")

// PgAccountLocker holds a session-level advisory lock per account on a
// dedicated pooled connection for as long as the pipeline runs.
type PgAccountLocker struct {
	pool *pgxpool.Pool
}

func NewPgAccountLocker(ctx context.Context, dsn string) (*PgAccountLocker, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PgAccountLocker{pool: pool}, nil
}

func (l *PgAccountLocker) Acquire(ctx context.Context, account string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", account).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrAccountLocked, account)
	}

	return func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", account)
		conn.Release()
	}, nil
}

func (l *PgAccountLocker) Close() {
	l.pool.Close()
}

// LocalAccountLocker is used with SQLite, where the database file is private
// to one process.
type LocalAccountLocker struct{}

func (LocalAccountLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
