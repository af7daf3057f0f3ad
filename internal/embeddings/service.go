// Package embeddings provides deterministic text embeddings from the
// embedder collaborator, with a two-level cache (in-process LRU, then
// Redis) keyed by model+text hash, and an in-process batcher that
// coalesces concurrent requests into one upstream call.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/circuitbreaker"
	"github.com/kworks-ai/docqa/internal/metrics"
	"github.com/kworks-ai/docqa/internal/qaerr"
	"github.com/kworks-ai/docqa/internal/tracing"
)

// Config controls the embedding service.
type Config struct {
	BaseURL   string
	Model     string
	Fallbacks []string // tried in order when Model cannot serve the indexed dimension
	Dimension int
	BatchSize int
	BatchWait time.Duration
	CacheTTL  time.Duration
	MaxLRU    int
	Timeout   time.Duration
}

// Service fetches embeddings over HTTP with caching and batching.
type Service struct {
	cfg     Config
	httpw   *circuitbreaker.HTTPClient
	lru     *localLRU
	redis   Cache
	batcher *batcher
	logger  *zap.Logger
}

// Cache is the shared second-level cache (Redis in production).
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// New builds the embedding service. cache may be nil.
func New(cfg Config, cache Cache, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.BatchWait == 0 {
		cfg.BatchWait = 20 * time.Millisecond
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 4096
	}
	s := &Service{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, "embedder", logger),
		lru:    newLocalLRU(cfg.MaxLRU),
		redis:  cache,
		logger: logger,
	}
	s.batcher = newBatcher(cfg.BatchSize, cfg.BatchWait, s.fetchBatch)
	return s
}

// Dimension returns the configured embedding dimension.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// Model returns the model currently in use.
func (s *Service) Model() string { return s.cfg.Model }

// ResolveModel probes the primary model against the indexed dimension
// and walks the fallback chain when it cannot serve it. Vectors already
// indexed never migrate across dimensions, so with no matching model the
// service refuses to start rather than silently degrade.
func (s *Service) ResolveModel(ctx context.Context) error {
	models := append([]string{s.cfg.Model}, s.cfg.Fallbacks...)
	var lastErr error
	for _, m := range models {
		if m == "" {
			continue
		}
		vecs, err := s.fetch(ctx, []string{"차원 점검"}, m)
		if err != nil {
			s.logger.Warn("embedding model probe failed",
				zap.String("model", m), zap.Error(err))
			lastErr = err
			continue
		}
		if len(vecs) != 1 || len(vecs[0]) != s.cfg.Dimension {
			continue
		}
		if m != s.cfg.Model {
			s.logger.Warn("primary embedding model unusable, fell back",
				zap.String("primary", s.cfg.Model), zap.String("model", m))
			s.cfg.Model = m
		}
		return nil
	}
	if lastErr != nil {
		return qaerr.Wrap(qaerr.KindRetrievalUnavailable, lastErr,
			"no embedding model serves the indexed dimension")
	}
	return qaerr.New(qaerr.KindRetrievalUnavailable,
		"no embedding model serves the indexed dimension %d", s.cfg.Dimension)
}

// Embed returns the vector for one text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns vectors for all texts in order. Cached entries are
// served locally; the remainder goes through the batcher.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	for i, t := range texts {
		key := cacheKey(s.cfg.Model, t)
		if v, ok := s.lru.get(key); ok {
			metrics.RecordEmbedding("lru_hit")
			out[i] = v
			continue
		}
		if s.redis != nil {
			if v, ok := s.redis.Get(ctx, key); ok {
				metrics.RecordEmbedding("cache_hit")
				s.lru.set(key, v, 30*time.Minute)
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	miss := make([]string, len(missIdx))
	for j, i := range missIdx {
		miss[j] = texts[i]
	}
	vecs, err := s.batcher.embed(ctx, miss)
	if err != nil {
		metrics.RecordEmbedding("error")
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		key := cacheKey(s.cfg.Model, texts[i])
		s.lru.set(key, vecs[j], s.cfg.CacheTTL)
		if s.redis != nil {
			s.redis.Set(ctx, key, vecs[j], s.cfg.CacheTTL)
		}
	}
	metrics.RecordEmbedding("fetched")
	return out, nil
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// fetchBatch performs the upstream embed_batch call for one coalesced batch.
func (s *Service) fetchBatch(ctx context.Context, texts []string) ([][]float32, error) {
	metrics.EmbeddingBatchSize.Observe(float64(len(texts)))
	return s.fetch(ctx, texts, s.cfg.Model)
}

func (s *Service) fetch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	url := s.cfg.BaseURL + "/embeddings"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, _ := json.Marshal(embedRequest{Texts: texts, Model: model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.httpw.Do(req)
	if err != nil {
		return nil, qaerr.Wrap(qaerr.KindModelUnavailable, err, "embedder")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, qaerr.New(qaerr.KindModelUnavailable, "embedder returned %d: %s", resp.StatusCode, b)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, qaerr.Wrap(qaerr.KindModelUnavailable, err, "embedder response")
	}
	if len(er.Embeddings) != len(texts) {
		return nil, qaerr.New(qaerr.KindModelUnavailable,
			"embedder returned %d vectors for %d texts", len(er.Embeddings), len(texts))
	}
	// Dimension mismatches against the indexed vectors must fail loudly,
	// never silently degrade.
	if s.cfg.Dimension > 0 && er.Dimensions != 0 && er.Dimensions != s.cfg.Dimension {
		return nil, qaerr.New(qaerr.KindRetrievalUnavailable,
			"embedding dimension %d does not match indexed dimension %d", er.Dimensions, s.cfg.Dimension)
	}
	for i, v := range er.Embeddings {
		if s.cfg.Dimension > 0 && len(v) != s.cfg.Dimension {
			return nil, qaerr.New(qaerr.KindRetrievalUnavailable,
				"embedding %d has dimension %d, want %d", i, len(v), s.cfg.Dimension)
		}
	}
	return er.Embeddings, nil
}

// Cosine returns the cosine similarity of two vectors; 0 when either is
// empty or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
