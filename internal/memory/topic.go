package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/embeddings"
	"github.com/kworks-ai/docqa/internal/retrieval"
)

// Embedder produces query vectors for the similarity signal.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Prober runs a retrieval pass for the confidence signals.
type Prober interface {
	Search(ctx context.Context, query string, allowedDocIDs []string, p retrieval.Params) (*retrieval.Result, error)
}

// TopicConfig holds the three signal thresholds. Retrieval scores are
// normalised against the best score RRF can produce for the configured
// rrf_k before comparison, so thresholds are scale-free.
type TopicConfig struct {
	Enabled             bool
	SimilarityThreshold float64 // query-vs-previous-query cosine
	ConfidenceThreshold float64 // normalised mean score in previous scope
	MinScoreThreshold   float64 // normalised top score in previous scope
}

// TopicVerdict is the detector's output.
type TopicVerdict struct {
	Changed bool `json:"changed"`
	// Signals counts how many of the three indicators fired.
	Signals int `json:"signals"`
	// SuggestedDocIDs are better-matching documents found by the
	// full-corpus probe when a change is declared.
	SuggestedDocIDs []string `json:"suggested_doc_ids,omitempty"`

	QuerySimilarity float64 `json:"query_similarity"`
	PrevScopeTop    float64 `json:"prev_scope_top"`
	PrevScopeMean   float64 `json:"prev_scope_mean"`
}

// TopicDetector decides whether a query leaves the session's current
// topic. A change needs at least two of three signals.
type TopicDetector struct {
	mu       sync.RWMutex
	cfg      TopicConfig
	embedder Embedder
	prober   Prober
	log      *zap.Logger
}

func NewTopicDetector(cfg TopicConfig, embedder Embedder, prober Prober, logger *zap.Logger) *TopicDetector {
	return &TopicDetector{cfg: withTopicDefaults(cfg), embedder: embedder, prober: prober, log: logger}
}

func withTopicDefaults(cfg TopicConfig) TopicConfig {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.30
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.15
	}
	if cfg.MinScoreThreshold == 0 {
		cfg.MinScoreThreshold = 0.05
	}
	return cfg
}

// UpdateConfig swaps the signal thresholds on a config reload.
func (d *TopicDetector) UpdateConfig(cfg TopicConfig) {
	d.mu.Lock()
	d.cfg = withTopicDefaults(cfg)
	d.mu.Unlock()
}

func (d *TopicDetector) config() TopicConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// probeParams keeps the detector's retrieval passes cheap.
func probeParams(p retrieval.Params) retrieval.Params {
	p.KLex, p.KVec, p.KOut = 10, 10, 10
	return p
}

// maxRRF is the best score a chunk ranked first in both sources can
// reach; it anchors the normalisation.
func maxRRF(rrfK int) float64 {
	if rrfK <= 0 {
		rrfK = 60
	}
	return 2.0 / float64(rrfK+1)
}

// Detect evaluates the signals. prevQuery and prevScope describe the
// preceding turn; an empty prevQuery means a cold session and never a
// topic change.
func (d *TopicDetector) Detect(ctx context.Context, query, prevQuery string, prevScope []string, p retrieval.Params) *TopicVerdict {
	v := &TopicVerdict{}
	cfg := d.config()
	if !cfg.Enabled || prevQuery == "" {
		return v
	}

	if sim, ok := d.querySimilarity(ctx, query, prevQuery); ok {
		v.QuerySimilarity = sim
		if sim < cfg.SimilarityThreshold {
			v.Signals++
		}
	}

	norm := maxRRF(p.RRFK)
	res, err := d.prober.Search(ctx, query, prevScope, probeParams(p))
	if err != nil {
		d.log.Warn("previous-scope probe failed, topic signals incomplete", zap.Error(err))
	} else {
		v.PrevScopeTop = res.TopScore() / norm
		v.PrevScopeMean = res.MeanScore() / norm
		if v.PrevScopeMean < cfg.ConfidenceThreshold {
			v.Signals++
		}
		if v.PrevScopeTop < cfg.MinScoreThreshold {
			v.Signals++
		}
	}

	v.Changed = v.Signals >= 2
	if v.Changed {
		v.SuggestedDocIDs = d.fullCorpusSuggestions(ctx, query, p)
		d.log.Info("topic change detected",
			zap.Int("signals", v.Signals),
			zap.Float64("query_similarity", v.QuerySimilarity),
			zap.Float64("prev_scope_top", v.PrevScopeTop),
			zap.Strings("suggested_doc_ids", v.SuggestedDocIDs))
	}
	return v
}

func (d *TopicDetector) querySimilarity(ctx context.Context, query, prevQuery string) (float64, bool) {
	qv, err := d.embedder.Embed(ctx, query)
	if err != nil {
		d.log.Warn("query embedding failed for topic detection", zap.Error(err))
		return 0, false
	}
	pv, err := d.embedder.Embed(ctx, prevQuery)
	if err != nil {
		d.log.Warn("previous-query embedding failed for topic detection", zap.Error(err))
		return 0, false
	}
	return embeddings.Cosine(qv, pv), true
}

// fullCorpusSuggestions probes without scope and returns the distinct
// documents of the best hits.
func (d *TopicDetector) fullCorpusSuggestions(ctx context.Context, query string, p retrieval.Params) []string {
	res, err := d.prober.Search(ctx, query, nil, probeParams(p))
	if err != nil {
		d.log.Warn("full-corpus probe failed", zap.Error(err))
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, e := range res.Evidences {
		if _, ok := seen[e.DocID]; ok {
			continue
		}
		seen[e.DocID] = struct{}{}
		out = append(out, e.DocID)
		if len(out) >= 5 {
			break
		}
	}
	return out
}
