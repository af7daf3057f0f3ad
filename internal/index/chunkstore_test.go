package index

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/circuitbreaker"
	"github.com/kworks-ai/docqa/internal/qaerr"
)

func mockStore(t *testing.T) (*ChunkStore, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "sqlmock")
	log := zaptest.NewLogger(t)
	s := &ChunkStore{db: circuitbreaker.NewDB(db, log), log: log}
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func chunkRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"chunk_id", "doc_id", "page", "char_start", "char_end", "kind", "text", "backlink_id"})
}

func TestChunkStoreGetPreservesInputOrder(t *testing.T) {
	s, mock := mockStore(t)
	// Rows come back in arbitrary database order.
	mock.ExpectQuery(`SELECT chunk_id, .+ FROM chunks WHERE chunk_id IN`).
		WithArgs("c2", "c1").
		WillReturnRows(chunkRows().
			AddRow("c1", "D1", 1, 0, 100, "body", "첫 문단", "").
			AddRow("c2", "D1", 2, 100, 200, "table", "표 내용", "fn-1"))

	got, err := s.Get(context.Background(), []string{"c2", "c1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].ChunkID)
	assert.Equal(t, "c1", got[1].ChunkID)
	assert.Equal(t, "fn-1", got[0].BacklinkID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkStoreGetDropsUnknownIDs(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`FROM chunks WHERE chunk_id IN`).
		WithArgs("c1", "ghost").
		WillReturnRows(chunkRows().AddRow("c1", "D1", 1, 0, 100, "body", "본문", ""))

	got, err := s.Get(context.Background(), []string{"c1", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ChunkID)
}

func TestChunkStoreGetEmptyInput(t *testing.T) {
	s, _ := mockStore(t)
	got, err := s.Get(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChunkStoreGetDatabaseError(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`FROM chunks WHERE chunk_id IN`).
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.Get(context.Background(), []string{"c1"})
	require.Error(t, err)
	assert.Equal(t, qaerr.KindRetrievalUnavailable, qaerr.KindOf(err))
}

func TestChunkStoreHealthy(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectPing()
	assert.NoError(t, s.Healthy(context.Background()))
}

func TestOpenChunkStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenChunkStore("mysql", "dsn", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}
