// Package docs holds the core data model shared across the pipeline:
// indexed chunks, query-time evidences, and citation maps.
package docs

import (
	"errors"
	"fmt"
	"sort"
)

// ChunkKind classifies what part of a document a chunk came from.
type ChunkKind string

const (
	KindBody     ChunkKind = "body"
	KindTable    ChunkKind = "table"
	KindFootnote ChunkKind = "footnote"
)

// Chunk is an immutable indexed unit of document text. A chunk is uniquely
// identified within its document by (DocID, CharStart, CharEnd); CharEnd is
// exclusive and must be greater than CharStart.
type Chunk struct {
	ChunkID    string    `json:"chunk_id" db:"chunk_id"`
	DocID      string    `json:"doc_id" db:"doc_id"`
	Page       int       `json:"page" db:"page"`
	CharStart  int       `json:"char_start" db:"char_start"`
	CharEnd    int       `json:"char_end" db:"char_end"`
	Kind       ChunkKind `json:"kind" db:"kind"`
	Text       string    `json:"text" db:"text"`
	BacklinkID string    `json:"backlink_id,omitempty" db:"backlink_id"`
}

// Validate checks the chunk invariants.
func (c *Chunk) Validate() error {
	if c.ChunkID == "" {
		return errors.New("chunk: empty chunk_id")
	}
	if c.DocID == "" {
		return errors.New("chunk: empty doc_id")
	}
	if c.Page < 1 {
		return fmt.Errorf("chunk %s: page %d < 1", c.ChunkID, c.Page)
	}
	if c.CharEnd <= c.CharStart {
		return fmt.Errorf("chunk %s: span [%d..%d) is empty", c.ChunkID, c.CharStart, c.CharEnd)
	}
	switch c.Kind {
	case KindBody, KindTable, KindFootnote:
	default:
		return fmt.Errorf("chunk %s: unknown kind %q", c.ChunkID, c.Kind)
	}
	return nil
}

// Evidence is a chunk materialised for a query with its retrieval scores.
// RankFinal is 1-based and dense over the evidence set it belongs to.
type Evidence struct {
	Chunk
	ScoreLexical float64 `json:"score_lexical"`
	ScoreVector  float64 `json:"score_vector"`
	ScoreRRF     float64 `json:"score_rrf"`
	ScoreRerank  float64 `json:"score_rerank"`
	RankFinal    int     `json:"rank_final"`
}

// Locator names the exact source coordinates a citation points at.
type Locator struct {
	DocID     string `json:"doc_id"`
	Page      int    `json:"page"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`
}

// Locator returns the source coordinates of the evidence.
func (e *Evidence) Locator() Locator {
	return Locator{DocID: e.DocID, Page: e.Page, CharStart: e.CharStart, CharEnd: e.CharEnd}
}

// Source is one entry of the machine-parseable sources section.
type Source struct {
	N         int    `json:"n"`
	DocID     string `json:"doc_id"`
	Page      int    `json:"page"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`
}

// CitationMap maps a citation ordinal, as it appears in the answer body,
// to its source locator. The map is injective: two ordinals never share a
// locator, and an ordinal never changes its target once assigned.
type CitationMap map[int]Locator

// Clone returns a deep copy.
func (m CitationMap) Clone() CitationMap {
	if m == nil {
		return nil
	}
	out := make(CitationMap, len(m))
	for n, loc := range m {
		out[n] = loc
	}
	return out
}

// OrdinalFor returns the ordinal already bound to loc, if any.
func (m CitationMap) OrdinalFor(loc Locator) (int, bool) {
	for n, l := range m {
		if l == loc {
			return n, true
		}
	}
	return 0, false
}

// NextOrdinal returns the smallest positive ordinal not present in the map.
func (m CitationMap) NextOrdinal() int {
	n := 1
	for {
		if _, ok := m[n]; !ok {
			return n
		}
		n++
	}
}

// Sources renders the map as a sources list in ascending ordinal order.
func (m CitationMap) Sources() []Source {
	out := make([]Source, 0, len(m))
	for n, loc := range m {
		out = append(out, Source{N: n, DocID: loc.DocID, Page: loc.Page, CharStart: loc.CharStart, CharEnd: loc.CharEnd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].N < out[j].N })
	return out
}

// CheckInjective verifies no two ordinals point at the same locator.
func (m CitationMap) CheckInjective() error {
	seen := make(map[Locator]int, len(m))
	for n, loc := range m {
		if prev, ok := seen[loc]; ok {
			return fmt.Errorf("citation map not injective: [%d] and [%d] both point at %s p.%d [%d..%d)",
				prev, n, loc.DocID, loc.Page, loc.CharStart, loc.CharEnd)
		}
		seen[loc] = n
	}
	return nil
}

// ScopeMode describes how the retrieval scope for a turn was derived.
type ScopeMode string

const (
	ScopeInheritFirst ScopeMode = "inherit_first"
	ScopeSessionDocs  ScopeMode = "session_docs"
	ScopeExpanded     ScopeMode = "expanded"
	ScopeFullCorpus   ScopeMode = "full_corpus"
)

// DocScope is the effective retrieval scope for one turn. An empty
// AllowedDocIDs means no restriction.
type DocScope struct {
	Mode                ScopeMode `json:"mode"`
	AllowedDocIDs       []string  `json:"allowed_doc_ids,omitempty"`
	TopicChangeDetected bool      `json:"topic_change_detected"`
	SuggestedDocIDs     []string  `json:"suggested_doc_ids,omitempty"`
}
