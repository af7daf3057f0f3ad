package retrieval

import (
	"math"
	"sort"

	"github.com/kworks-ai/docqa/internal/index"
)

// Fused is a chunk's combined view across both rankings.
type Fused struct {
	ChunkID  string
	LexScore float64
	LexRank  int // 0 = absent
	VecScore float64
	VecRank  int // 0 = absent
	RRF      float64
}

// Fuse combines the two rankings with Reciprocal Rank Fusion:
//
//	score(c) = Σ_s 1/(k + rank_s(c))
//
// A chunk absent from a source contributes nothing for it. The output is
// sorted by descending RRF; exact RRF ties fall back to the weighted
// normalised sub-scores, then to chunk ID for determinism.
func Fuse(lex, vec []index.Hit, rrfK int, wLex, wVec float64) []Fused {
	if rrfK <= 0 {
		rrfK = 60
	}
	if wLex == 0 && wVec == 0 {
		wLex, wVec = 0.4, 0.6
	}
	m := make(map[string]*Fused, len(lex)+len(vec))
	for _, h := range lex {
		f := fusedFor(m, h.ChunkID)
		f.LexScore = h.Score
		f.LexRank = h.Rank
	}
	for _, h := range vec {
		f := fusedFor(m, h.ChunkID)
		f.VecScore = h.Score
		f.VecRank = h.Rank
	}

	out := make([]Fused, 0, len(m))
	for _, f := range m {
		if f.LexRank > 0 {
			f.RRF += 1 / float64(rrfK+f.LexRank)
		}
		if f.VecRank > 0 {
			f.RRF += 1 / float64(rrfK+f.VecRank)
		}
		out = append(out, *f)
	}

	// Tie-break sub-scores are normalised to [0,1] within this result set.
	maxLex, maxVec := maxScores(out)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RRF != b.RRF {
			return a.RRF > b.RRF
		}
		wa := weighted(a, maxLex, maxVec, wLex, wVec)
		wb := weighted(b, maxLex, maxVec, wLex, wVec)
		if wa != wb {
			return wa > wb
		}
		return a.ChunkID < b.ChunkID
	})
	return out
}

func fusedFor(m map[string]*Fused, id string) *Fused {
	if f, ok := m[id]; ok {
		return f
	}
	f := &Fused{ChunkID: id}
	m[id] = f
	return f
}

func maxScores(fs []Fused) (maxLex, maxVec float64) {
	for _, f := range fs {
		maxLex = math.Max(maxLex, f.LexScore)
		maxVec = math.Max(maxVec, f.VecScore)
	}
	return maxLex, maxVec
}

// weighted computes the tie-break combination; RRF rank stays
// authoritative so this only decides exact-tie ordering.
func weighted(f Fused, maxLex, maxVec, wLex, wVec float64) float64 {
	var w float64
	if maxLex > 0 {
		w += wLex * (f.LexScore / maxLex)
	}
	if maxVec > 0 {
		w += wVec * (f.VecScore / maxVec)
	}
	return w
}
