// Package audit persists one row per completed turn for operational
// review. Writes go through a bounded queue drained by a single worker so
// a slow disk never blocks a chat response; on overflow the oldest intent
// is to drop, not to stall.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/circuitbreaker"
)

// Entry is one audit row.
type Entry struct {
	SessionID    string        `db:"session_id"`
	TurnID       string        `db:"turn_id"`
	Query        string        `db:"query"`
	Outcome      string        `db:"outcome"`
	Verdict      string        `db:"verdict"`
	ScopeMode    string        `db:"scope_mode"`
	Degraded     bool          `db:"degraded"`
	Regenerated  bool          `db:"regenerated"`
	EvidenceN    int           `db:"evidence_n"`
	Latency      time.Duration `db:"-"`
	LatencyMS    int64         `db:"latency_ms"`
	CreatedAt    time.Time     `db:"created_at"`
}

// Log is the asynchronous audit writer.
type Log struct {
	db        *circuitbreaker.DB
	logger    *zap.Logger
	retention time.Duration

	queue  chan Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

const schema = `
CREATE TABLE IF NOT EXISTS turn_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL,
	query TEXT NOT NULL,
	outcome TEXT NOT NULL,
	verdict TEXT NOT NULL,
	scope_mode TEXT NOT NULL,
	degraded BOOLEAN NOT NULL,
	regenerated BOOLEAN NOT NULL,
	evidence_n INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_audit_created ON turn_audit(created_at);
`

const pgSchema = `
CREATE TABLE IF NOT EXISTS turn_audit (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL,
	query TEXT NOT NULL,
	outcome TEXT NOT NULL,
	verdict TEXT NOT NULL,
	scope_mode TEXT NOT NULL,
	degraded BOOLEAN NOT NULL,
	regenerated BOOLEAN NOT NULL,
	evidence_n INTEGER NOT NULL,
	latency_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_audit_created ON turn_audit(created_at);
`

// Open creates (or connects to) the audit database and starts the worker.
func Open(driver, dsn string, retention time.Duration, logger *zap.Logger) (*Log, error) {
	raw, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	raw.SetMaxOpenConns(2)

	ddl := schema
	if driver == "postgres" {
		ddl = pgSchema
	}
	if _, err := raw.Exec(ddl); err != nil {
		raw.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}

	l := &Log{
		db:        circuitbreaker.NewDB(raw, logger),
		logger:    logger,
		retention: retention,
		queue:     make(chan Entry, 256),
		stopCh:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.worker()
	return l, nil
}

// Record enqueues an entry; drops with a warning when the queue is full.
func (l *Log) Record(e Entry) {
	e.LatencyMS = e.Latency.Milliseconds()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("audit queue full, dropping entry",
			zap.String("session_id", e.SessionID), zap.String("turn_id", e.TurnID))
	}
}

func (l *Log) worker() {
	defer l.wg.Done()
	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-sweep.C:
			l.sweepExpired()
		case <-l.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx,
		l.rebind(`INSERT INTO turn_audit
			(session_id, turn_id, query, outcome, verdict, scope_mode, degraded, regenerated, evidence_n, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.SessionID, e.TurnID, e.Query, e.Outcome, e.Verdict, e.ScopeMode,
		e.Degraded, e.Regenerated, e.EvidenceN, e.LatencyMS, e.CreatedAt)
	if err != nil {
		l.logger.Error("audit write failed", zap.Error(err))
	}
}

func (l *Log) sweepExpired() {
	if l.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().UTC().Add(-l.retention)
	if _, err := l.db.ExecContext(ctx,
		l.rebind(`DELETE FROM turn_audit WHERE created_at < ?`), cutoff); err != nil {
		l.logger.Error("audit retention sweep failed", zap.Error(err))
	}
}

func (l *Log) rebind(q string) string { return l.db.Rebind(q) }

// Close stops the worker after draining the queue.
func (l *Log) Close() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.db.Close()
}
