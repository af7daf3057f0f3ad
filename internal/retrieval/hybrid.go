// Package retrieval implements the hybrid retriever: concurrent lexical
// and vector search fused with Reciprocal Rank Fusion, followed by the
// per-document diversity clamp and the minimum-score floor.
package retrieval

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/index"
	"github.com/kworks-ai/docqa/internal/metrics"
	"github.com/kworks-ai/docqa/internal/qaerr"
)

// Params are the per-query retrieval knobs.
type Params struct {
	KLex       int
	KVec       int
	KOut       int
	RRFK       int
	WLex       float64
	WVec       float64
	MaxPerDoc  int
	FloorRatio float64
}

// Result is the fused shortlist plus degradation flags.
type Result struct {
	Evidences []docs.Evidence
	// Degraded is set when one index was unavailable and the other served
	// the query alone.
	Degraded bool
	// DegradedSource names the surviving source when Degraded is set.
	DegradedSource string
}

// Retriever runs hybrid retrieval against the two indexes and resolves
// the fused shortlist through the chunk store.
type Retriever struct {
	lexical  index.LexicalSearcher
	vector   index.VectorSearcher
	chunks   ChunkGetter
	embedder Embedder
	logger   *zap.Logger
}

// ChunkGetter resolves chunk IDs to records.
type ChunkGetter interface {
	Get(ctx context.Context, ids []string) ([]docs.Chunk, error)
}

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// New builds a retriever.
func New(lexical index.LexicalSearcher, vector index.VectorSearcher, chunks ChunkGetter, embedder Embedder, logger *zap.Logger) *Retriever {
	return &Retriever{lexical: lexical, vector: vector, chunks: chunks, embedder: embedder, logger: logger}
}

type searchOutcome struct {
	hits []index.Hit
	err  error
}

// Search runs both indexes concurrently, fuses by RRF, applies the
// diversity clamp and score floor, and materialises chunks. An empty
// allowedDocIDs means the whole corpus.
func (r *Retriever) Search(ctx context.Context, query string, allowedDocIDs []string, p Params) (*Result, error) {
	lexCh := make(chan searchOutcome, 1)
	vecCh := make(chan searchOutcome, 1)

	go func() {
		hits, err := r.lexical.Search(ctx, query, p.KLex, allowedDocIDs)
		lexCh <- searchOutcome{hits: hits, err: err}
	}()
	go func() {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			vecCh <- searchOutcome{err: err}
			return
		}
		hits, err := r.vector.Search(ctx, vec, p.KVec, allowedDocIDs)
		vecCh <- searchOutcome{hits: hits, err: err}
	}()

	lex := <-lexCh
	vec := <-vecCh
	if ctx.Err() != nil {
		return nil, qaerr.Wrap(qaerr.KindCancelled, ctx.Err(), "retrieval")
	}

	res := &Result{}
	switch {
	case lex.err != nil && vec.err != nil:
		r.logger.Error("both indexes unavailable",
			zap.NamedError("lexical", lex.err), zap.NamedError("vector", vec.err))
		return nil, qaerr.Wrap(qaerr.KindRetrievalUnavailable, lex.err, "both indexes failed")
	case lex.err != nil:
		r.logger.Warn("lexical index unavailable, degrading to vector-only", zap.Error(lex.err))
		metrics.RetrievalDegraded.WithLabelValues("vector").Inc()
		res.Degraded, res.DegradedSource = true, "vector"
	case vec.err != nil:
		r.logger.Warn("vector index unavailable, degrading to lexical-only", zap.Error(vec.err))
		metrics.RetrievalDegraded.WithLabelValues("lexical").Inc()
		res.Degraded, res.DegradedSource = true, "lexical"
	}

	fused := Fuse(lex.hits, vec.hits, p.RRFK, p.WLex, p.WVec)
	if len(fused) == 0 {
		return res, nil
	}

	// Floor relative to the best fused score.
	floor := fused[0].RRF * p.FloorRatio
	kept := fused[:0]
	for _, f := range fused {
		if f.RRF >= floor {
			kept = append(kept, f)
		}
	}
	fused = kept

	chunks, err := r.chunks.Get(ctx, chunkIDs(fused))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]docs.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}

	evidences := make([]docs.Evidence, 0, len(fused))
	for _, f := range fused {
		c, ok := byID[f.ChunkID]
		if !ok {
			continue
		}
		if len(allowedDocIDs) > 0 && !contains(allowedDocIDs, c.DocID) {
			// Scope is a hard guarantee even if an index ignores the filter.
			continue
		}
		evidences = append(evidences, docs.Evidence{
			Chunk:        c,
			ScoreLexical: f.LexScore,
			ScoreVector:  f.VecScore,
			ScoreRRF:     f.RRF,
		})
	}

	evidences = clampPerDoc(evidences, p.MaxPerDoc)
	if p.KOut > 0 && len(evidences) > p.KOut {
		evidences = evidences[:p.KOut]
	}
	res.Evidences = evidences
	return res, nil
}

// TopScore returns the best RRF score of a result, 0 when empty.
func (res *Result) TopScore() float64 {
	if len(res.Evidences) == 0 {
		return 0
	}
	return res.Evidences[0].ScoreRRF
}

// MeanScore returns the average RRF score, 0 when empty.
func (res *Result) MeanScore() float64 {
	if len(res.Evidences) == 0 {
		return 0
	}
	var sum float64
	for _, e := range res.Evidences {
		sum += e.ScoreRRF
	}
	return sum / float64(len(res.Evidences))
}

// clampPerDoc drops surplus chunks of over-represented documents, lowest
// RRF first. Input must already be sorted by descending RRF.
func clampPerDoc(evs []docs.Evidence, maxPerDoc int) []docs.Evidence {
	if maxPerDoc <= 0 {
		return evs
	}
	perDoc := make(map[string]int)
	out := evs[:0]
	for _, e := range evs {
		if perDoc[e.DocID] >= maxPerDoc {
			continue
		}
		perDoc[e.DocID]++
		out = append(out, e)
	}
	return out
}

func chunkIDs(fused []Fused) []string {
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
	}
	return ids
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Keywords splits a query into lowercase keyword tokens for the coverage
// computation downstream.
func Keywords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "?!.,\"'()[]{}")
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
