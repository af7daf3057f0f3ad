package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DB wraps the sqlx operations the chunk store and audit log need.
type DB struct {
	db *sqlx.DB
	cb *Breaker
}

// NewDB wraps db with a breaker named after the driver.
func NewDB(db *sqlx.DB, logger *zap.Logger) *DB {
	return &DB{
		db: db,
		cb: New("chunkstore-"+db.DriverName(), DefaultConfig(), logger),
	}
}

func (d *DB) PingContext(ctx context.Context) error {
	return d.cb.Execute(ctx, func() error { return d.db.PingContext(ctx) })
}

func (d *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.cb.Execute(ctx, func() error {
		return d.db.SelectContext(ctx, dest, query, args...)
	})
}

func (d *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.cb.Execute(ctx, func() error {
		return d.db.GetContext(ctx, dest, query, args...)
	})
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := d.cb.Execute(ctx, func() error {
		var execErr error
		res, execErr = d.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// Rebind adapts ? placeholders to the wrapped DB's bindvar type.
func (d *DB) Rebind(query string) string { return d.db.Rebind(query) }

// In expands a sqlx IN query against the wrapped DB's bindvar type.
func (d *DB) In(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return d.db.Rebind(q), a, nil
}

// Open reports whether the breaker currently refuses calls.
func (d *DB) Open() bool { return d.cb.State() == StateOpen }

func (d *DB) Close() error { return d.db.Close() }
