// Package citations resolves the bracketed markers a generated answer
// carries against the turn's evidence set and the session's frozen map,
// rewriting ordinals where needed so that an ordinal, once assigned,
// points at the same source for the life of the session.
package citations

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/metrics"
)

var markerRe = regexp.MustCompile(`\[(\d+)\]`)

// Result is the tracked answer with its per-turn citation map.
type Result struct {
	// Answer is the input text with markers rewritten where they clashed
	// with the frozen map or with each other.
	Answer string
	// Map holds only ordinals actually cited in Answer.
	Map docs.CitationMap
	// Rewritten counts markers whose ordinal changed.
	Rewritten int
	// Dropped counts markers removed because they matched no evidence.
	Dropped int
}

// Tracker assigns stable citation ordinals.
type Tracker struct {
	log *zap.Logger
}

func New(logger *zap.Logger) *Tracker {
	return &Tracker{log: logger}
}

// Track parses the markers in answer. A marker [i] refers to the
// evidence ranked i in this turn's set. The frozen map wins every
// conflict: a locator already bound keeps its frozen ordinal, and an
// ordinal already bound never accepts a second locator. Markers that
// resolve to no evidence are removed.
func (t *Tracker) Track(answer string, evs []docs.Evidence, frozen docs.CitationMap) *Result {
	// assigned accumulates frozen bindings plus this turn's new ones so
	// NextOrdinal never reuses a frozen ordinal.
	assigned := frozen.Clone()
	if assigned == nil {
		assigned = make(docs.CitationMap)
	}

	res := &Result{Map: make(docs.CitationMap)}
	finalFor := make(map[docs.Locator]int)

	var out strings.Builder
	last := 0
	for _, m := range markerRe.FindAllStringSubmatchIndex(answer, -1) {
		start, end := m[0], m[1]
		i, err := strconv.Atoi(answer[m[2]:m[3]])
		out.WriteString(answer[last:start])
		last = end

		if err != nil || i < 1 || i > len(evs) {
			res.Dropped++
			trimTrailingSpace(&out)
			continue
		}
		loc := evs[i-1].Locator()

		n, ok := finalFor[loc]
		if !ok {
			if fn, bound := assigned.OrdinalFor(loc); bound {
				n = fn
			} else if _, taken := assigned[i]; !taken {
				n = i
			} else {
				n = assigned.NextOrdinal()
			}
			assigned[n] = loc
			finalFor[loc] = n
		}
		if n != i {
			res.Rewritten++
			metrics.CitationRewrites.Inc()
		}
		res.Map[n] = loc
		out.WriteString("[" + strconv.Itoa(n) + "]")
	}
	out.WriteString(answer[last:])
	res.Answer = out.String()

	if err := res.Map.CheckInjective(); err != nil {
		// Unreachable by construction; loud if the construction breaks.
		t.log.Error("citation map violated injectivity", zap.Error(err))
	}
	if res.Rewritten > 0 || res.Dropped > 0 {
		t.log.Debug("citations adjusted",
			zap.Int("rewritten", res.Rewritten), zap.Int("dropped", res.Dropped))
	}
	return res
}

// trimTrailingSpace removes one space left dangling by a dropped marker.
func trimTrailingSpace(b *strings.Builder) {
	s := b.String()
	if strings.HasSuffix(s, " ") {
		b.Reset()
		b.WriteString(s[:len(s)-1])
	}
}
