package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/circuitbreaker"
	"github.com/kworks-ai/docqa/internal/metrics"
	"github.com/kworks-ai/docqa/internal/qaerr"
	"github.com/kworks-ai/docqa/internal/tracing"
)

// VectorClient is a minimal client for a Qdrant-compatible vector index.
type VectorClient struct {
	base       string
	collection string
	dimension  int
	httpw      *circuitbreaker.HTTPClient
	log        *zap.Logger
}

// NewVectorClient builds a client for the given base URL and collection.
// dimension is the indexed vector dimension; searches with a query vector
// of any other length are rejected before they reach the engine.
func NewVectorClient(baseURL, collection string, dimension int, timeout time.Duration, logger *zap.Logger) *VectorClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &VectorClient{
		base:       baseURL,
		collection: collection,
		dimension:  dimension,
		httpw:      circuitbreaker.NewHTTPClient(&http.Client{Timeout: timeout}, "vector-index", logger),
		log:        logger,
	}
}

type vectorQueryRequest struct {
	Query       []float32              `json:"query"`
	Limit       int                    `json:"limit"`
	WithPayload bool                   `json:"with_payload"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
}

type vectorPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type vectorQueryResponse struct {
	Result struct {
		Points []vectorPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs a nearest-neighbour query, filtered to allowedDocIDs when
// non-empty.
func (c *VectorClient) Search(ctx context.Context, embedding []float32, k int, allowedDocIDs []string) ([]Hit, error) {
	if c.dimension > 0 && len(embedding) != c.dimension {
		return nil, qaerr.New(qaerr.KindRetrievalUnavailable,
			"query vector dimension %d does not match indexed dimension %d", len(embedding), c.dimension)
	}
	start := time.Now()
	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	reqBody := vectorQueryRequest{Query: embedding, Limit: k, WithPayload: true}
	if len(allowedDocIDs) > 0 {
		reqBody.Filter = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "doc_id", "match": map[string]interface{}{"any": allowedDocIDs}},
			},
		}
	}
	buf, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.RecordRetrieval("vector", "error", time.Since(start).Seconds())
		return nil, qaerr.Wrap(qaerr.KindRetrievalUnavailable, err, "vector search")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordRetrieval("vector", "error", time.Since(start).Seconds())
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, qaerr.New(qaerr.KindRetrievalUnavailable, "vector index returned %d: %s", resp.StatusCode, b)
	}

	var qr vectorQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordRetrieval("vector", "error", time.Since(start).Seconds())
		return nil, qaerr.Wrap(qaerr.KindRetrievalUnavailable, err, "vector response")
	}

	hits := make([]Hit, 0, len(qr.Result.Points))
	for i, p := range qr.Result.Points {
		id := pointChunkID(p)
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: p.Score, Rank: i + 1})
	}
	metrics.RecordRetrieval("vector", "ok", time.Since(start).Seconds())
	return hits, nil
}

// pointChunkID prefers the payload chunk_id over the point ID, which some
// ingest pipelines assign as opaque UUIDs.
func pointChunkID(p vectorPoint) string {
	if p.Payload != nil {
		if v, ok := p.Payload["chunk_id"].(string); ok && v != "" {
			return v
		}
	}
	switch id := p.ID.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}

// CollectionDimension fetches the collection's configured vector size.
func (c *VectorClient) CollectionDimension(ctx context.Context) (int, error) {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return 0, qaerr.Wrap(qaerr.KindRetrievalUnavailable, err, "collection info")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, qaerr.New(qaerr.KindRetrievalUnavailable, "collection info returned %d", resp.StatusCode)
	}
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, err
	}
	return info.Result.Config.Params.Vectors.Size, nil
}

// CheckDimension verifies the indexed dimension matches the embedder's.
func (c *VectorClient) CheckDimension(ctx context.Context) error {
	size, err := c.CollectionDimension(ctx)
	if err != nil {
		return err
	}
	if c.dimension > 0 && size != 0 && size != c.dimension {
		return qaerr.New(qaerr.KindRetrievalUnavailable,
			"collection %s holds %d-dimensional vectors, embedder produces %d", c.collection, size, c.dimension)
	}
	return nil
}

// Healthy pings the vector engine.
func (c *VectorClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector index health: %d", resp.StatusCode)
	}
	return nil
}
