// Package evidence builds the final ordered evidence set handed to the
// prompt composer: top-N truncation, dense 1-based ranks, the
// per-document clamp re-applied after reranking, and keyword coverage.
package evidence

import (
	"strings"

	"github.com/kworks-ai/docqa/internal/docs"
)

// Set is the final evidence list for one turn.
type Set struct {
	Evidences []docs.Evidence
	// Coverage is the fraction of query keywords present somewhere in the
	// evidences, in [0,1].
	Coverage float64
}

// Build truncates the reranked list to n evidences, enforces maxPerDoc
// again (reranking can reshuffle documents back together), and assigns
// dense RankFinal values 1..len.
func Build(reranked []docs.Evidence, n, maxPerDoc int, queryKeywords []string) *Set {
	out := make([]docs.Evidence, 0, n)
	perDoc := make(map[string]int)
	for _, e := range reranked {
		if n > 0 && len(out) >= n {
			break
		}
		if maxPerDoc > 0 && perDoc[e.DocID] >= maxPerDoc {
			continue
		}
		perDoc[e.DocID]++
		out = append(out, e)
	}
	for i := range out {
		out[i].RankFinal = i + 1
	}
	return &Set{
		Evidences: out,
		Coverage:  coverage(out, queryKeywords),
	}
}

// coverage computes the fraction of keywords found in any evidence text.
func coverage(evs []docs.Evidence, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	var all strings.Builder
	for _, e := range evs {
		all.WriteString(strings.ToLower(e.Text))
		all.WriteByte('\n')
	}
	text := all.String()
	found := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			found++
		}
	}
	return float64(found) / float64(len(keywords))
}

// DocIDs returns the distinct document IDs in evidence order.
func (s *Set) DocIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range s.Evidences {
		if _, ok := seen[e.DocID]; ok {
			continue
		}
		seen[e.DocID] = struct{}{}
		out = append(out, e.DocID)
	}
	return out
}

// ByLocator returns the evidence whose locator matches, if any.
func (s *Set) ByLocator(loc docs.Locator) (docs.Evidence, bool) {
	for _, e := range s.Evidences {
		if e.Locator() == loc {
			return e, true
		}
	}
	return docs.Evidence{}, false
}

// ByRank returns the evidence with the given 1-based final rank.
func (s *Set) ByRank(rank int) (docs.Evidence, bool) {
	if rank < 1 || rank > len(s.Evidences) {
		return docs.Evidence{}, false
	}
	return s.Evidences[rank-1], true
}
