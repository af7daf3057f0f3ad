package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/session"
)

func followUpSession(recent ...string) *session.Session {
	return &session.Session{
		SessionID:          "s1",
		RecentSourceDocIDs: recent,
		Turns: []session.Turn{
			{Role: session.RoleUser, Content: "질문"},
			{Role: session.RoleAssistant, Content: "답변 [1]", Evidences: []docs.Evidence{
				{Chunk: docs.Chunk{ChunkID: "c1", DocID: "D1", Page: 1, CharStart: 0, CharEnd: 10, Kind: docs.KindBody}},
			}},
		},
	}
}

func TestResolveClientDocsWin(t *testing.T) {
	r := NewScopeResolver(zaptest.NewLogger(t))
	sess := followUpSession("D1", "D2")

	scope := r.Resolve(sess, []string{"D9"}, nil)
	assert.Equal(t, docs.ScopeExpanded, scope.Mode)
	assert.Equal(t, []string{"D9"}, scope.AllowedDocIDs)
}

func TestResolveClientDocsMatchingRecentAreInherit(t *testing.T) {
	r := NewScopeResolver(zaptest.NewLogger(t))
	sess := followUpSession("D1", "D2")

	scope := r.Resolve(sess, []string{"D2", "D1"}, nil)
	assert.Equal(t, docs.ScopeInheritFirst, scope.Mode)
}

func TestResolveFirstTurnFullCorpus(t *testing.T) {
	r := NewScopeResolver(zaptest.NewLogger(t))
	scope := r.Resolve(&session.Session{SessionID: "s1"}, nil, nil)
	assert.Equal(t, docs.ScopeFullCorpus, scope.Mode)
	assert.Empty(t, scope.AllowedDocIDs)
}

func TestResolvePinnedSessionDocs(t *testing.T) {
	r := NewScopeResolver(zaptest.NewLogger(t))
	sess := &session.Session{SessionID: "s1", DocumentIDs: []string{"D5"}}

	scope := r.Resolve(sess, nil, nil)
	assert.Equal(t, docs.ScopeSessionDocs, scope.Mode)
	assert.Equal(t, []string{"D5"}, scope.AllowedDocIDs)
}

func TestResolveFollowUpInheritsRecentDocs(t *testing.T) {
	r := NewScopeResolver(zaptest.NewLogger(t))
	sess := followUpSession("D1", "D2")

	scope := r.Resolve(sess, nil, nil)
	assert.Equal(t, docs.ScopeInheritFirst, scope.Mode)
	assert.Equal(t, []string{"D1", "D2"}, scope.AllowedDocIDs)
}

func TestResolveCarriesTopicVerdict(t *testing.T) {
	r := NewScopeResolver(zaptest.NewLogger(t))
	sess := followUpSession("D1")
	verdict := &TopicVerdict{Changed: true, Signals: 2, SuggestedDocIDs: []string{"D7"}}

	scope := r.Resolve(sess, nil, verdict)
	// The inherited scope is still tried first; widening is the
	// orchestrator's call after it sees the scores.
	assert.Equal(t, docs.ScopeInheritFirst, scope.Mode)
	assert.True(t, scope.TopicChangeDetected)
	assert.Equal(t, []string{"D7"}, scope.SuggestedDocIDs)
}

func TestWiden(t *testing.T) {
	r := NewScopeResolver(zaptest.NewLogger(t))
	scope := docs.DocScope{Mode: docs.ScopeInheritFirst, AllowedDocIDs: []string{"D1"}, TopicChangeDetected: true}

	wide := r.Widen(scope)
	assert.Equal(t, docs.ScopeExpanded, wide.Mode)
	assert.Nil(t, wide.AllowedDocIDs)
	assert.True(t, wide.TopicChangeDetected)
}
