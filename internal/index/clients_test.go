package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/qaerr"
)

func TestLexicalSearch(t *testing.T) {
	var gotReq lexicalSearchRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(lexicalSearchResponse{Hits: []Hit{
			{ChunkID: "c1", Score: 12.5, Rank: 1},
			{ChunkID: "c2", Score: 8.1}, // sidecar omitted the rank
		}})
	}))
	defer ts.Close()

	c := NewLexicalClient(ts.URL, 0, zaptest.NewLogger(t))
	hits, err := c.Search(context.Background(), "예산 편성", 50, []string{"D1"})
	require.NoError(t, err)

	assert.Equal(t, "예산 편성", gotReq.Query)
	assert.Equal(t, 50, gotReq.K)
	assert.Equal(t, []string{"D1"}, gotReq.AllowedDocIDs)
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Rank)
	assert.Equal(t, 2, hits[1].Rank) // renumbered
}

func TestLexicalSearchServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "index corrupt", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewLexicalClient(ts.URL, 0, zaptest.NewLogger(t))
	_, err := c.Search(context.Background(), "질의", 10, nil)
	require.Error(t, err)
	assert.Equal(t, qaerr.KindRetrievalUnavailable, qaerr.KindOf(err))
}

func TestVectorSearch(t *testing.T) {
	var gotReq vectorQueryRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/doc_chunks/points/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		var resp vectorQueryResponse
		resp.Result.Points = []vectorPoint{
			{ID: "uuid-1", Score: 0.92, Payload: map[string]interface{}{"chunk_id": "c1"}},
			{ID: "c2", Score: 0.81},
			{ID: 7.0, Score: 0.5}, // numeric point ID, no payload
		}
		resp.Status = "ok"
		json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	c := NewVectorClient(ts.URL, "doc_chunks", 4, 0, zaptest.NewLogger(t))
	hits, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, 10, []string{"D1", "D2"})
	require.NoError(t, err)

	assert.Equal(t, 10, gotReq.Limit)
	assert.True(t, gotReq.WithPayload)
	assert.NotNil(t, gotReq.Filter)
	require.Len(t, hits, 3)
	assert.Equal(t, Hit{ChunkID: "c1", Score: 0.92, Rank: 1}, hits[0])
	assert.Equal(t, "c2", hits[1].ChunkID)
	assert.Equal(t, "7", hits[2].ChunkID)
}

func TestVectorSearchRejectsWrongDimension(t *testing.T) {
	c := NewVectorClient("http://unused", "doc_chunks", 1024, 0, zaptest.NewLogger(t))
	_, err := c.Search(context.Background(), []float32{1, 2, 3}, 10, nil)
	require.Error(t, err)
	assert.Equal(t, qaerr.KindRetrievalUnavailable, qaerr.KindOf(err))
}

func TestVectorCheckDimension(t *testing.T) {
	serve := func(size int) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/collections/doc_chunks", r.URL.Path)
			w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":` +
				jsonInt(size) + `}}}}}`))
		}))
	}

	ok := serve(1024)
	defer ok.Close()
	c := NewVectorClient(ok.URL, "doc_chunks", 1024, 0, zaptest.NewLogger(t))
	assert.NoError(t, c.CheckDimension(context.Background()))

	bad := serve(768)
	defer bad.Close()
	c = NewVectorClient(bad.URL, "doc_chunks", 1024, 0, zaptest.NewLogger(t))
	err := c.CheckDimension(context.Background())
	require.Error(t, err)
	assert.Equal(t, qaerr.KindRetrievalUnavailable, qaerr.KindOf(err))
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestHealthyEndpoints(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/healthz":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	lex := NewLexicalClient(ts.URL, 0, zaptest.NewLogger(t))
	assert.NoError(t, lex.Healthy(context.Background()))

	vec := NewVectorClient(ts.URL, "doc_chunks", 4, 0, zaptest.NewLogger(t))
	assert.NoError(t, vec.Healthy(context.Background()))
}
