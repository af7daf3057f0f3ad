// Package session holds multi-turn conversation state and its
// file-backed persistent store.
package session

import (
	"time"

	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/grounding"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleSystemNotice Role = "system_notice"
)

// RewriteInfo records what the query rewriter did for a turn.
type RewriteInfo struct {
	Original     string `json:"original"`
	Rewritten    string `json:"rewritten"`
	UsedFallback bool   `json:"used_fallback"`
}

// TurnMetadata is the structured record attached to a completed turn.
// Fields are grouped by the component that produced them.
type TurnMetadata struct {
	Rewrite   *RewriteInfo      `json:"rewrite,omitempty"`
	DocScope  *docs.DocScope    `json:"doc_scope,omitempty"`
	Grounding *grounding.Report `json:"grounding,omitempty"`

	// Latency is the per-state timing breakdown in milliseconds.
	Latency map[string]int64 `json:"latency_ms,omitempty"`

	RetrievalDegraded bool   `json:"retrieval_degraded,omitempty"`
	DegradedSource    string `json:"degraded_source,omitempty"`
	RerankSkipped     bool   `json:"rerank_skipped,omitempty"`
	Regenerated       bool   `json:"regenerated,omitempty"`
	EvidenceTruncated bool   `json:"evidence_truncated,omitempty"`
	Persisted         bool   `json:"persisted"`
	Interrupted       bool   `json:"interrupted,omitempty"`
}

// Turn is one message in a session. Completed turns are never mutated.
type Turn struct {
	TurnID      string           `json:"turn_id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	Evidences   []docs.Evidence  `json:"evidences,omitempty"`
	CitationMap docs.CitationMap `json:"citation_map,omitempty"`
	Metadata    *TurnMetadata    `json:"metadata,omitempty"`
}

// Session is the persistent conversation state.
type Session struct {
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title,omitempty"`
	DocumentIDs []string  `json:"document_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Turns []Turn `json:"turns"`

	// Summary compresses older turns; Confidence is the summariser's own
	// estimate in [0,1].
	Summary           string  `json:"summary,omitempty"`
	SummaryConfidence float64 `json:"summary_confidence,omitempty"`

	RecentEntities []string `json:"recent_entities,omitempty"`

	// RecentSourceDocIDs are the documents the latest answers drew from,
	// newest first, capped by configuration.
	RecentSourceDocIDs []string `json:"recent_source_doc_ids,omitempty"`

	// FirstCitationMap is frozen at the first successful answer. Ordinals
	// in it never rebind for the life of the session.
	FirstCitationMap docs.CitationMap `json:"first_response_citation_map,omitempty"`
	FirstEvidences   []docs.Evidence  `json:"first_response_evidences,omitempty"`
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.DocumentIDs = append([]string(nil), s.DocumentIDs...)
	out.RecentEntities = append([]string(nil), s.RecentEntities...)
	out.RecentSourceDocIDs = append([]string(nil), s.RecentSourceDocIDs...)
	out.FirstCitationMap = s.FirstCitationMap.Clone()
	out.FirstEvidences = append([]docs.Evidence(nil), s.FirstEvidences...)
	out.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		out.Turns[i] = t.clone()
	}
	return &out
}

func (t Turn) clone() Turn {
	out := t
	out.Evidences = append([]docs.Evidence(nil), t.Evidences...)
	out.CitationMap = t.CitationMap.Clone()
	if t.Metadata != nil {
		md := *t.Metadata
		if t.Metadata.Latency != nil {
			md.Latency = make(map[string]int64, len(t.Metadata.Latency))
			for k, v := range t.Metadata.Latency {
				md.Latency[k] = v
			}
		}
		out.Metadata = &md
	}
	return out
}

// IsFollowUp reports whether the session already has an assistant turn
// carrying evidences, the precondition for scope inheritance.
func (s *Session) IsFollowUp() bool {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		t := s.Turns[i]
		if t.Role == RoleAssistant && len(t.Evidences) > 0 {
			return true
		}
	}
	return false
}

// LastUserQuery returns the content of the most recent user turn.
func (s *Session) LastUserQuery() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleUser {
			return s.Turns[i].Content
		}
	}
	return ""
}

// RecentWindow returns the last n user/assistant turns in chronological
// order, for the rewriter prompt.
func (s *Session) RecentWindow(n int) []Turn {
	var out []Turn
	for i := len(s.Turns) - 1; i >= 0 && len(out) < n; i-- {
		t := s.Turns[i]
		if t.Role == RoleSystemNotice {
			continue
		}
		out = append(out, t)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
