package index

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/circuitbreaker"
	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/qaerr"
)

// ChunkStore resolves chunk IDs to full chunk records. The backing table
// is written by the ingest pipeline; this service only reads it. The
// driver is sqlite3 (local file) by default, postgres for shared
// deployments.
type ChunkStore struct {
	db  *circuitbreaker.DB
	log *zap.Logger
}

// OpenChunkStore opens the chunk database.
func OpenChunkStore(driver, dsn string, logger *zap.Logger) (*ChunkStore, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("chunk store: unsupported driver %q", driver)
	}
	if driver == "sqlite3" {
		// Read-only and immutable: ingest owns the file.
		dsn = "file:" + dsn + "?mode=ro&_query_only=1"
	}
	raw, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("chunk store: open: %w", err)
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(4)
	return &ChunkStore{db: circuitbreaker.NewDB(raw, logger), log: logger}, nil
}

// Get fetches chunks by ID, preserving the order of ids. Unknown IDs are
// dropped with a warning rather than failing the whole retrieval.
func (s *ChunkStore) Get(ctx context.Context, ids []string) ([]docs.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := s.db.In(
		`SELECT chunk_id, doc_id, page, char_start, char_end, kind, text,
		        COALESCE(backlink_id, '') AS backlink_id
		   FROM chunks WHERE chunk_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("chunk store: build query: %w", err)
	}
	var rows []docs.Chunk
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, qaerr.Wrap(qaerr.KindRetrievalUnavailable, err, "chunk store")
	}

	byID := make(map[string]docs.Chunk, len(rows))
	for _, c := range rows {
		byID[c.ChunkID] = c
	}
	out := make([]docs.Chunk, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			s.log.Warn("indexed chunk missing from chunk store", zap.String("chunk_id", id))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Healthy pings the database.
func (s *ChunkStore) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *ChunkStore) Close() error { return s.db.Close() }
