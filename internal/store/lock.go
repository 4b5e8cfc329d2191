package store

import (
	"context"
	"database/sql"
	"fmt"
)

// dbtx is the part of *sql.DB and *sql.Conn the repositories use.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type lockedConnKey struct{}

// dbFrom returns the connection holding a track lock when ctx carries one,
// otherwise the pool.
func dbFrom(ctx context.Context, db *sql.DB) dbtx {
	if conn, ok := ctx.Value(lockedConnKey{}).(*sql.Conn); ok {
		return conn
	}
	return db
}

// TrackLocker serializes work on a single track across processes with a
// PostgreSQL session advisory lock.
type TrackLocker struct {
	db *sql.DB
}

func NewTrackLocker(db *sql.DB) *TrackLocker {
	return &TrackLocker{db: db}
}

// WithTrackLock runs fn while holding the advisory lock for trackID. The lock
// lives on a dedicated connection, and repository calls made with the context
// passed to fn run on that same connection, so a lock holder never waits for
// a second pool connection. Statements still autocommit one by one.
func (l *TrackLocker) WithTrackLock(ctx context.Context, trackID int64, fn func(ctx context.Context) error) error {
	// Nested locks reuse the held connection; session advisory locks stack.
	conn, held := ctx.Value(lockedConnKey{}).(*sql.Conn)
	if !held {
		var err error
		if conn, err = l.db.Conn(ctx); err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}
		defer conn.Close()
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, trackID); err != nil {
		return fmt.Errorf("lock track %d: %w", trackID, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, trackID)
	}()

	return fn(context.WithValue(ctx, lockedConnKey{}, conn))
}
