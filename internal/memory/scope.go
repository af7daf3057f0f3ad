package memory

import (
	"sort"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/session"
)

// ScopeResolver derives the effective document scope for a turn.
type ScopeResolver struct {
	log *zap.Logger
}

func NewScopeResolver(logger *zap.Logger) *ScopeResolver {
	return &ScopeResolver{log: logger}
}

// Resolve applies the scope policy:
//
//  1. Client-supplied doc IDs always win.
//  2. A follow-up without a topic change inherits the session's recent
//     documents.
//  3. A follow-up with a topic change still tries the recent documents;
//     the orchestrator widens to full corpus if that scope scores too
//     low (the verdict's suggestions ride along for that case).
//  4. Anything else searches the full corpus.
func (r *ScopeResolver) Resolve(sess *session.Session, clientDocIDs []string, verdict *TopicVerdict) docs.DocScope {
	scope := docs.DocScope{Mode: docs.ScopeFullCorpus}
	if verdict != nil {
		scope.TopicChangeDetected = verdict.Changed
		scope.SuggestedDocIDs = verdict.SuggestedDocIDs
	}

	if len(clientDocIDs) > 0 {
		scope.AllowedDocIDs = append([]string(nil), clientDocIDs...)
		if sess != nil && sameIDSet(clientDocIDs, sess.RecentSourceDocIDs) {
			scope.Mode = docs.ScopeInheritFirst
		} else {
			scope.Mode = docs.ScopeExpanded
		}
		return scope
	}

	if sess == nil || !sess.IsFollowUp() || len(sess.RecentSourceDocIDs) == 0 {
		if sess != nil && len(sess.DocumentIDs) > 0 {
			// A session pinned to documents at creation stays inside them.
			scope.Mode = docs.ScopeSessionDocs
			scope.AllowedDocIDs = append([]string(nil), sess.DocumentIDs...)
		}
		return scope
	}

	scope.AllowedDocIDs = append([]string(nil), sess.RecentSourceDocIDs...)
	scope.Mode = docs.ScopeInheritFirst
	return scope
}

// Widen returns the scope to retry with after the inherited scope
// scored below the floor on a topic change.
func (r *ScopeResolver) Widen(scope docs.DocScope) docs.DocScope {
	r.log.Info("widening retrieval scope to full corpus",
		zap.Strings("was", scope.AllowedDocIDs))
	scope.Mode = docs.ScopeExpanded
	scope.AllowedDocIDs = nil
	return scope
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
