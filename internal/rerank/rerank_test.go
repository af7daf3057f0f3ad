package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/docs"
)

func ev(id, doc string, start int, rrf float64) docs.Evidence {
	return docs.Evidence{
		Chunk: docs.Chunk{
			ChunkID: id, DocID: doc, Page: 1,
			CharStart: start, CharEnd: start + 50,
			Kind: docs.KindBody, Text: "본문 " + id,
		},
		ScoreRRF: rrf,
	}
}

func TestRerankReorders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Texts, 2)
		// Second text scores higher.
		json.NewEncoder(w).Encode(scoreResponse{Scores: []float64{0.2, 0.8}})
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, URL: srv.URL}, zaptest.NewLogger(t))
	res := r.Rerank(context.Background(), "질문", []docs.Evidence{
		ev("a", "D1", 0, 0.03),
		ev("b", "D2", 0, 0.02),
	}, 1)
	assert.False(t, res.Skipped)
	require.Len(t, res.Evidences, 2)
	assert.Equal(t, "b", res.Evidences[0].ChunkID)
	assert.Equal(t, 0.8, res.Evidences[0].ScoreRerank)
}

func TestRerankDisabledPassesThrough(t *testing.T) {
	r := New(Config{Enabled: false}, zaptest.NewLogger(t))
	in := []docs.Evidence{ev("a", "D1", 0, 0.03), ev("b", "D2", 0, 0.02)}
	res := r.Rerank(context.Background(), "질문", in, 1)
	assert.True(t, res.Skipped)
	assert.Equal(t, in, res.Evidences)
}

func TestRerankBackendFailurePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, URL: srv.URL}, zaptest.NewLogger(t))
	in := []docs.Evidence{ev("a", "D1", 0, 0.03), ev("b", "D2", 0, 0.02)}
	res := r.Rerank(context.Background(), "질문", in, 1)
	assert.True(t, res.Skipped)
	assert.Equal(t, "a", res.Evidences[0].ChunkID)
}

func TestRerankScoreCountMismatchPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Scores: []float64{0.5}})
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, URL: srv.URL}, zaptest.NewLogger(t))
	res := r.Rerank(context.Background(), "질문", []docs.Evidence{
		ev("a", "D1", 0, 0.03), ev("b", "D2", 0, 0.02),
	}, 1)
	assert.True(t, res.Skipped)
}

func TestRerankWeightBlendsRRF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Scores: []float64{1.0, 0.9}})
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, URL: srv.URL}, zaptest.NewLogger(t))
	in := []docs.Evidence{
		ev("a", "D1", 0, 0.01), // best cross-encoder score, weak RRF
		ev("b", "D2", 0, 0.05), // slightly worse score, strong RRF
	}

	// Pure cross-encoder ordering at weight 1.
	res := r.Rerank(context.Background(), "질문", in, 1)
	require.Len(t, res.Evidences, 2)
	assert.Equal(t, "a", res.Evidences[0].ChunkID)

	// An even blend lets the RRF advantage flip the order:
	// a = 0.5·(1.0/1.0) + 0.5·(0.01/0.05) = 0.60
	// b = 0.5·(0.9/1.0) + 0.5·(0.05/0.05) = 0.95
	res = r.Rerank(context.Background(), "질문", in, 0.5)
	require.Len(t, res.Evidences, 2)
	assert.Equal(t, "b", res.Evidences[0].ChunkID)
}

func TestRerankTieBreaks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Scores: []float64{0.5, 0.5, 0.5}})
	}))
	defer srv.Close()

	r := New(Config{Enabled: true, URL: srv.URL}, zaptest.NewLogger(t))
	res := r.Rerank(context.Background(), "질문", []docs.Evidence{
		ev("b", "D2", 100, 0.02),
		ev("a", "D1", 0, 0.03),  // highest RRF wins the score tie
		ev("c", "D2", 50, 0.02), // same RRF as b: earlier char_start first
	}, 1)
	require.Len(t, res.Evidences, 3)
	assert.Equal(t, "a", res.Evidences[0].ChunkID)
	assert.Equal(t, "c", res.Evidences[1].ChunkID)
	assert.Equal(t, "b", res.Evidences[2].ChunkID)
}
