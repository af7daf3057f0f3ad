package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/qaerr"
)

// embedBackend answers /embeddings with one vector per text, counting
// upstream calls.
func embedBackend(t *testing.T, dim int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{Dimensions: dim, ModelUsed: req.Model}
		for i := range req.Texts {
			v := make([]float32, dim)
			v[i%dim] = 1
			resp.Embeddings = append(resp.Embeddings, v)
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testService(t *testing.T, baseURL string, dim int, cache Cache) *Service {
	t.Helper()
	return New(Config{
		BaseURL:   baseURL,
		Model:     "test-embed",
		Dimension: dim,
		BatchWait: time.Millisecond,
	}, cache, zaptest.NewLogger(t))
}

func TestEmbedBatchOrdersVectors(t *testing.T) {
	var calls atomic.Int32
	ts := embedBackend(t, 4, &calls)
	defer ts.Close()
	s := testService(t, ts.URL, 4, nil)

	vecs, err := s.EmbedBatch(context.Background(), []string{"첫 문장", "둘째 문장", "셋째 문장"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 4)
	}
	assert.Equal(t, float32(1), vecs[1][1])
}

func TestEmbedServesRepeatsFromLRU(t *testing.T) {
	var calls atomic.Int32
	ts := embedBackend(t, 4, &calls)
	defer ts.Close()
	s := testService(t, ts.URL, 4, nil)

	first, err := s.Embed(context.Background(), "같은 문장")
	require.NoError(t, err)
	second, err := s.Embed(context.Background(), "같은 문장")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedSharedRedisCacheAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr(), "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cache.Close()

	var calls atomic.Int32
	ts := embedBackend(t, 4, &calls)
	defer ts.Close()

	warm := testService(t, ts.URL, 4, cache)
	want, err := warm.Embed(context.Background(), "캐시 공유 문장")
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	// A fresh instance with a cold LRU hits Redis, not the backend.
	cold := testService(t, ts.URL, 4, cache)
	got, err := cold.Embed(context.Background(), "캐시 공유 문장")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr(), "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	_, ok := cache.Get(ctx, "emb:none")
	assert.False(t, ok)

	vec := []float32{0.5, -1.25, 3}
	cache.Set(ctx, "emb:k", vec, time.Minute)
	got, ok := cache.Get(ctx, "emb:k")
	require.True(t, ok)
	assert.Equal(t, vec, got)
}

// modelBackend serves per-model dimensions and records the last model asked.
func modelBackend(t *testing.T, dims map[string]int, lastModel *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lastModel.Store(req.Model)
		dim := dims[req.Model]
		resp := embedResponse{Dimensions: dim, ModelUsed: req.Model}
		for range req.Texts {
			resp.Embeddings = append(resp.Embeddings, make([]float32, dim))
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestResolveModelKeepsMatchingPrimary(t *testing.T) {
	var lastModel atomic.Value
	ts := modelBackend(t, map[string]int{"bge-m3": 4}, &lastModel)
	defer ts.Close()

	s := New(Config{BaseURL: ts.URL, Model: "bge-m3", Fallbacks: []string{"e5-large"},
		Dimension: 4, BatchWait: time.Millisecond}, nil, zaptest.NewLogger(t))
	require.NoError(t, s.ResolveModel(context.Background()))
	assert.Equal(t, "bge-m3", s.Model())
}

func TestResolveModelFallsBackOnDimensionMismatch(t *testing.T) {
	var lastModel atomic.Value
	ts := modelBackend(t, map[string]int{"wide": 8, "narrow": 4}, &lastModel)
	defer ts.Close()

	s := New(Config{BaseURL: ts.URL, Model: "wide", Fallbacks: []string{"narrow"},
		Dimension: 4, BatchWait: time.Millisecond}, nil, zaptest.NewLogger(t))
	require.NoError(t, s.ResolveModel(context.Background()))
	assert.Equal(t, "narrow", s.Model())

	// Later embeds go to the fallback model.
	_, err := s.Embed(context.Background(), "문장")
	require.NoError(t, err)
	assert.Equal(t, "narrow", lastModel.Load())
}

func TestResolveModelFailsWhenNothingMatches(t *testing.T) {
	var lastModel atomic.Value
	ts := modelBackend(t, map[string]int{"wide": 8, "wider": 16}, &lastModel)
	defer ts.Close()

	s := New(Config{BaseURL: ts.URL, Model: "wide", Fallbacks: []string{"wider"},
		Dimension: 4, BatchWait: time.Millisecond}, nil, zaptest.NewLogger(t))
	err := s.ResolveModel(context.Background())
	require.Error(t, err)
	assert.Equal(t, qaerr.KindRetrievalUnavailable, qaerr.KindOf(err))
}

func TestEmbedDimensionMismatchFailsLoudly(t *testing.T) {
	var calls atomic.Int32
	ts := embedBackend(t, 4, &calls)
	defer ts.Close()
	// The index was built with 768-dim vectors; the embedder serves 4.
	s := testService(t, ts.URL, 768, nil)

	_, err := s.Embed(context.Background(), "차원이 다른 문장")
	require.Error(t, err)
	assert.Equal(t, qaerr.KindRetrievalUnavailable, qaerr.KindOf(err))
}

func TestEmbedBackendFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()
	s := testService(t, ts.URL, 4, nil)

	_, err := s.Embed(context.Background(), "문장")
	require.Error(t, err)
	assert.Equal(t, qaerr.KindModelUnavailable, qaerr.KindOf(err))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 3}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine(nil, []float32{1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
}

func TestLocalLRUExpiry(t *testing.T) {
	l := newLocalLRU(2)
	l.set("a", []float32{1}, -time.Second) // already expired
	_, ok := l.get("a")
	assert.False(t, ok)

	l.set("b", []float32{2}, time.Minute)
	l.set("c", []float32{3}, time.Minute)
	l.set("d", []float32{4}, time.Minute) // evicts the oldest
	_, ok = l.get("b")
	assert.False(t, ok)
	got, ok := l.get("d")
	require.True(t, ok)
	assert.Equal(t, []float32{4}, got)
}
