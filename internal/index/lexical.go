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

// LexicalClient talks to the BM25 search sidecar over HTTP.
type LexicalClient struct {
	base  string
	httpw *circuitbreaker.HTTPClient
	log   *zap.Logger
}

// NewLexicalClient builds a client for the given base URL.
func NewLexicalClient(baseURL string, timeout time.Duration, logger *zap.Logger) *LexicalClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &LexicalClient{
		base:  baseURL,
		httpw: circuitbreaker.NewHTTPClient(&http.Client{Timeout: timeout}, "lexical-index", logger),
		log:   logger,
	}
}

type lexicalSearchRequest struct {
	Query         string   `json:"query"`
	K             int      `json:"k"`
	AllowedDocIDs []string `json:"allowed_doc_ids,omitempty"`
}

type lexicalSearchResponse struct {
	Hits []Hit `json:"hits"`
}

// Search runs a BM25 query, filtered to allowedDocIDs when non-empty.
func (c *LexicalClient) Search(ctx context.Context, query string, k int, allowedDocIDs []string) ([]Hit, error) {
	start := time.Now()
	url := c.base + "/search"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, _ := json.Marshal(lexicalSearchRequest{Query: query, K: k, AllowedDocIDs: allowedDocIDs})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.RecordRetrieval("lexical", "error", time.Since(start).Seconds())
		return nil, qaerr.Wrap(qaerr.KindRetrievalUnavailable, err, "lexical search")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordRetrieval("lexical", "error", time.Since(start).Seconds())
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, qaerr.New(qaerr.KindRetrievalUnavailable, "lexical index returned %d: %s", resp.StatusCode, b)
	}

	var sr lexicalSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		metrics.RecordRetrieval("lexical", "error", time.Since(start).Seconds())
		return nil, qaerr.Wrap(qaerr.KindRetrievalUnavailable, err, "lexical response")
	}
	// Ranks come back 1-based from the engine; renumber defensively in case
	// the sidecar omits them.
	for i := range sr.Hits {
		if sr.Hits[i].Rank == 0 {
			sr.Hits[i].Rank = i + 1
		}
	}
	metrics.RecordRetrieval("lexical", "ok", time.Since(start).Seconds())
	return sr.Hits, nil
}

// Healthy pings the sidecar.
func (c *LexicalClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lexical index health: %d", resp.StatusCode)
	}
	return nil
}
