// Package rerank scores a retrieval shortlist with a cross-encoder
// backend. When the backend is disabled or down, the shortlist passes
// through unchanged so retrieval order still stands.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/circuitbreaker"
	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/metrics"
)

// Config controls the reranker adapter.
type Config struct {
	Enabled bool
	URL     string
	Model   string
	Timeout time.Duration
}

// Reranker calls the cross-encoder scoring endpoint.
type Reranker struct {
	cfg   Config
	httpw *circuitbreaker.HTTPClient
	log   *zap.Logger
}

// Result is the reranked list plus whether the pass was skipped.
type Result struct {
	Evidences []docs.Evidence
	Skipped   bool
}

// New builds the adapter.
func New(cfg Config, logger *zap.Logger) *Reranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Reranker{
		cfg:   cfg,
		httpw: circuitbreaker.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, "reranker", logger),
		log:   logger,
	}
}

type scoreRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores (query, text) pairs and reorders the evidences by
// weight·norm(rerank) + (1-weight)·norm(rrf); weight 1 orders purely by
// the cross-encoder. Ties keep the higher RRF score first, then break
// by (doc_id, char_start) so the order is deterministic.
func (r *Reranker) Rerank(ctx context.Context, query string, evs []docs.Evidence, weight float64) *Result {
	if weight <= 0 || weight > 1 {
		weight = 1
	}
	if !r.cfg.Enabled || len(evs) == 0 {
		if !r.cfg.Enabled {
			metrics.RerankSkipped.Inc()
		}
		return &Result{Evidences: evs, Skipped: !r.cfg.Enabled}
	}

	scores, err := r.score(ctx, query, evs)
	if err != nil {
		r.log.Warn("reranker unavailable, passing shortlist through", zap.Error(err))
		metrics.RerankSkipped.Inc()
		return &Result{Evidences: evs, Skipped: true}
	}

	out := make([]docs.Evidence, len(evs))
	copy(out, evs)
	var maxRerank, maxRRF float64
	for i := range out {
		out[i].ScoreRerank = scores[i]
		if out[i].ScoreRerank > maxRerank {
			maxRerank = out[i].ScoreRerank
		}
		if out[i].ScoreRRF > maxRRF {
			maxRRF = out[i].ScoreRRF
		}
	}
	key := func(e docs.Evidence) float64 {
		var k float64
		if maxRerank > 0 {
			k += weight * e.ScoreRerank / maxRerank
		}
		if maxRRF > 0 {
			k += (1 - weight) * e.ScoreRRF / maxRRF
		}
		return k
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ka, kb := key(a), key(b); ka != kb {
			return ka > kb
		}
		if a.ScoreRRF != b.ScoreRRF {
			return a.ScoreRRF > b.ScoreRRF
		}
		if a.DocID != b.DocID {
			return a.DocID < b.DocID
		}
		return a.CharStart < b.CharStart
	})
	return &Result{Evidences: out}
}

func (r *Reranker) score(ctx context.Context, query string, evs []docs.Evidence) ([]float64, error) {
	texts := make([]string, len(evs))
	for i, e := range evs {
		texts[i] = e.Text
	}
	body, _ := json.Marshal(scoreRequest{Query: query, Texts: texts, Model: r.cfg.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &statusError{code: resp.StatusCode, body: string(b)}
	}
	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, err
	}
	if len(sr.Scores) != len(evs) {
		return nil, &countError{got: len(sr.Scores), want: len(evs)}
	}
	return sr.Scores, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return "reranker returned " + http.StatusText(e.code) + ": " + e.body
}

type countError struct{ got, want int }

func (e *countError) Error() string {
	return "reranker score count mismatch"
}
