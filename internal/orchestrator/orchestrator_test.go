package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/citations"
	"github.com/kworks-ai/docqa/internal/config"
	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/format"
	"github.com/kworks-ai/docqa/internal/grounding"
	"github.com/kworks-ai/docqa/internal/llm"
	"github.com/kworks-ai/docqa/internal/memory"
	"github.com/kworks-ai/docqa/internal/prompt"
	"github.com/kworks-ai/docqa/internal/qaerr"
	"github.com/kworks-ai/docqa/internal/rerank"
	"github.com/kworks-ai/docqa/internal/retrieval"
	"github.com/kworks-ai/docqa/internal/session"
)

// ---- fakes ----

type fakeRetriever struct {
	// results are consumed in call order; the last one repeats.
	results []*retrieval.Result
	calls   []([]string) // allowed doc IDs per call
}

func (f *fakeRetriever) Search(_ context.Context, _ string, allowed []string, _ retrieval.Params) (*retrieval.Result, error) {
	f.calls = append(f.calls, allowed)
	if len(f.results) == 0 {
		return &retrieval.Result{}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

type passReranker struct{}

func (passReranker) Rerank(_ context.Context, _ string, evs []docs.Evidence, _ float64) *rerank.Result {
	return &rerank.Result{Evidences: evs, Skipped: true}
}

type fakeLLM struct {
	answers []string
	calls   int
	started chan struct{} // closed on first call when set
	block   bool          // wait for ctx cancellation instead of answering
}

func (f *fakeLLM) next() string {
	a := f.answers[0]
	if len(f.answers) > 1 {
		f.answers = f.answers[1:]
	}
	return a
}

func (f *fakeLLM) Complete(ctx context.Context, _, _ string, _ llm.Options) (string, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.next(), nil
}

func (f *fakeLLM) Stream(ctx context.Context, _, _ string, _ llm.Options, onDelta func(string) error) (string, error) {
	f.calls++
	if f.started != nil && f.calls == 1 {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	ans := f.next()
	half := len(ans) / 2
	for _, part := range []string{ans[:half], ans[half:]} {
		if err := onDelta(part); err != nil {
			return "", err
		}
	}
	return ans, nil
}

type fakeEnforcer struct {
	verdicts []grounding.Verdict
	calls    int
}

func (f *fakeEnforcer) Check(_ context.Context, _ string, _ []docs.Evidence, _ bool) *grounding.Report {
	v := grounding.VerdictAccepted
	if f.calls < len(f.verdicts) {
		v = f.verdicts[f.calls]
	}
	f.calls++
	return &grounding.Report{Verdict: v, Jaccard: 0.9}
}

type noopRewriter struct{}

func (noopRewriter) Rewrite(_ context.Context, _ *session.Session, q string) *session.RewriteInfo {
	return &session.RewriteInfo{Original: q, Rewritten: q}
}

type noopTopics struct{ verdict *memory.TopicVerdict }

func (f noopTopics) Detect(_ context.Context, _, _ string, _ []string, _ retrieval.Params) *memory.TopicVerdict {
	if f.verdict != nil {
		return f.verdict
	}
	return &memory.TopicVerdict{}
}

type noopSummarizer struct{}

func (noopSummarizer) Summarize(_ context.Context, _ *session.Session) (string, float64) {
	return "", 0
}

// ---- harness ----

type harness struct {
	orch  *Orchestrator
	store *session.Store
	ret   *fakeRetriever
	gen   *fakeLLM
	enf   *fakeEnforcer
}

func tunables() config.Tunables {
	return config.Tunables{Retrieval: config.RetrievalConfig{
		TopKBM25: 50, TopKVector: 50, TopKRerank: 20, RRFK: 60,
		WBM25: 1, WVector: 1, MaxPerDoc: 3, EvidenceN: 8,
	}}
}

func newHarness(t *testing.T, ret *fakeRetriever, gen *fakeLLM, enf *fakeEnforcer, topics TopicDetecting) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := session.NewStore(session.Options{Dir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	composer, err := prompt.NewComposer(prompt.DefaultTemplates(), "", 12000, log)
	require.NoError(t, err)

	orch := New(Deps{
		Store:      store,
		Rewriter:   noopRewriter{},
		Topics:     topics,
		Scope:      memory.NewScopeResolver(log),
		Retriever:  ret,
		Reranker:   passReranker{},
		Composer:   composer,
		Generator:  gen,
		Enforcer:   enf,
		Tracker:    citations.New(log),
		Formatter:  &format.Formatter{},
		Summarizer: noopSummarizer{},
		Tunables:   tunables,
		Logger:     log,
	})
	return &harness{orch: orch, store: store, ret: ret, gen: gen, enf: enf}
}

func resultOf(score float64, docIDs ...string) *retrieval.Result {
	res := &retrieval.Result{}
	for i, d := range docIDs {
		res.Evidences = append(res.Evidences, docs.Evidence{
			Chunk: docs.Chunk{
				ChunkID: d + "-c", DocID: d, Page: 1,
				CharStart: 0, CharEnd: 100, Kind: docs.KindBody,
				Text: "2024년 예산은 100억 원으로 편성되었다.",
			},
			ScoreRRF: score, RankFinal: i + 1,
		})
	}
	return res
}

func (h *harness) createSession(t *testing.T) string {
	t.Helper()
	sess, err := h.store.Create(context.Background(), "", nil)
	require.NoError(t, err)
	return sess.SessionID
}

// ---- tests ----

func TestAskHappyPath(t *testing.T) {
	h := newHarness(t,
		&fakeRetriever{results: []*retrieval.Result{resultOf(0.03, "D1")}},
		&fakeLLM{answers: []string{"2024년 예산은 100억 원이다 [1]."}},
		&fakeEnforcer{}, noopTopics{})
	id := h.createSession(t)

	res, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "2024년 예산은 얼마야?"})
	require.NoError(t, err)

	assert.Contains(t, res.Answer, "2024년 예산은 100억 원이다 [1].")
	assert.Contains(t, res.Answer, "출처:")
	assert.Contains(t, res.Answer, "[1] → (D1, p.1, 0..100)")
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "D1", res.Sources[0].DocID)
	assert.True(t, res.Metadata.Persisted)
	assert.False(t, res.Metadata.Regenerated)

	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, session.RoleUser, got.Turns[0].Role)
	assert.Equal(t, session.RoleAssistant, got.Turns[1].Role)
	assert.NotNil(t, got.FirstCitationMap)
	assert.Equal(t, "2024년 예산은 얼마야?", got.Title)
}

func TestAskEmptyQuery(t *testing.T) {
	h := newHarness(t, &fakeRetriever{}, &fakeLLM{}, &fakeEnforcer{}, noopTopics{})
	_, err := h.orch.Ask(context.Background(), Request{SessionID: "s", Query: "   "})
	assert.Equal(t, qaerr.KindInvalidInput, qaerr.KindOf(err))
}

func TestAskUnknownSession(t *testing.T) {
	h := newHarness(t, &fakeRetriever{}, &fakeLLM{}, &fakeEnforcer{}, noopTopics{})
	_, err := h.orch.Ask(context.Background(), Request{SessionID: "missing", Query: "질문"})
	assert.Equal(t, qaerr.KindSessionNotFound, qaerr.KindOf(err))
}

func TestAskNoEvidenceSkipsLLM(t *testing.T) {
	gen := &fakeLLM{answers: []string{"호출되면 안 됨"}}
	h := newHarness(t, &fakeRetriever{}, gen, &fakeEnforcer{}, noopTopics{})
	id := h.createSession(t)

	res, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "화성의 날씨는?"})
	require.NoError(t, err)

	assert.Equal(t, grounding.NotFoundAnswer, res.Answer)
	assert.Empty(t, res.Sources)
	assert.Zero(t, gen.calls)
	assert.Equal(t, grounding.VerdictInsufficient, res.Metadata.Grounding.Verdict)

	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, grounding.NotFoundAnswer, got.Turns[1].Content)
}

func TestAskRegeneratesOnce(t *testing.T) {
	gen := &fakeLLM{answers: []string{"근거 없는 초안.", "2024년 예산은 100억 원이다 [1]."}}
	enf := &fakeEnforcer{verdicts: []grounding.Verdict{grounding.VerdictRegenerate, grounding.VerdictAccepted}}
	h := newHarness(t, &fakeRetriever{results: []*retrieval.Result{resultOf(0.03, "D1")}}, gen, enf, noopTopics{})
	id := h.createSession(t)

	res, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "예산은 얼마야?"})
	require.NoError(t, err)

	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 2, enf.calls)
	assert.True(t, res.Metadata.Regenerated)
	assert.Contains(t, res.Answer, "100억 원이다")
}

func TestAskRetriedRejectionBecomesInsufficient(t *testing.T) {
	gen := &fakeLLM{answers: []string{"초안 하나.", "초안 둘."}}
	enf := &fakeEnforcer{verdicts: []grounding.Verdict{grounding.VerdictRegenerate, grounding.VerdictInsufficient}}
	h := newHarness(t, &fakeRetriever{results: []*retrieval.Result{resultOf(0.03, "D1")}}, gen, enf, noopTopics{})
	id := h.createSession(t)

	res, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "예산은 얼마야?"})
	require.NoError(t, err)

	assert.Equal(t, grounding.NotFoundAnswer, res.Answer)
	assert.Empty(t, res.Sources)
	assert.Equal(t, 2, gen.calls)
}

func TestAskBusySession(t *testing.T) {
	h := newHarness(t, &fakeRetriever{}, &fakeLLM{}, &fakeEnforcer{}, noopTopics{})
	id := h.createSession(t)
	require.NoError(t, h.store.AcquireTurn(context.Background(), id))
	defer h.store.ReleaseTurn(id)

	_, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "질문"})
	assert.Equal(t, qaerr.KindSessionBusy, qaerr.KindOf(err))
}

func TestCitationOrdinalsStableAcrossTurns(t *testing.T) {
	ret := &fakeRetriever{results: []*retrieval.Result{
		resultOf(0.03, "D1"),
		resultOf(0.03, "D2"),
	}}
	gen := &fakeLLM{answers: []string{"첫 답변이다 [1].", "후속 답변이다 [1]."}}
	h := newHarness(t, ret, gen, &fakeEnforcer{}, noopTopics{})
	id := h.createSession(t)

	first, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "첫 질문"})
	require.NoError(t, err)
	assert.Contains(t, first.Answer, "[1] → (D1")

	// The second turn cites a different document; its [1] may not reuse
	// the frozen ordinal.
	second, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "후속 질문"})
	require.NoError(t, err)
	assert.Contains(t, second.Answer, "후속 답변이다 [2].")
	assert.Contains(t, second.Answer, "[2] → (D2")
	assert.NotContains(t, second.Answer, "[1] → (")
}

func TestTopicChangeWidensEmptyInheritedScope(t *testing.T) {
	// First turn establishes D1 as the recent scope; the second turn
	// changes topic, the inherited scope returns nothing, and the search
	// is retried over the full corpus.
	ret := &fakeRetriever{results: []*retrieval.Result{
		resultOf(0.03, "D1"),
		{}, // inherited-scope probe finds nothing
		resultOf(0.03, "D7"),
	}}
	gen := &fakeLLM{answers: []string{"첫 답변이다 [1].", "새 주제 답변이다 [1]."}}
	topics := noopTopics{verdict: &memory.TopicVerdict{Changed: true, Signals: 2, SuggestedDocIDs: []string{"D7"}}}
	h := newHarness(t, ret, gen, &fakeEnforcer{}, topics)
	id := h.createSession(t)

	_, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "첫 질문"})
	require.NoError(t, err)

	res, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "완전히 다른 질문"})
	require.NoError(t, err)

	require.NotNil(t, res.Metadata.DocScope)
	assert.Equal(t, docs.ScopeExpanded, res.Metadata.DocScope.Mode)
	assert.True(t, res.Metadata.DocScope.TopicChangeDetected)
	// Second turn searched the inherited scope, then the full corpus.
	require.Len(t, ret.calls, 3)
	assert.Equal(t, []string{"D1"}, ret.calls[1])
	assert.Nil(t, ret.calls[2])
}

func TestStreamEmitsDeltasAndComplete(t *testing.T) {
	h := newHarness(t,
		&fakeRetriever{results: []*retrieval.Result{resultOf(0.03, "D1")}},
		&fakeLLM{answers: []string{"스트리밍 답변이다 [1]."}},
		&fakeEnforcer{}, noopTopics{})
	id := h.createSession(t)

	out := make(chan Event, 64)
	err := h.orch.Stream(context.Background(), Request{SessionID: id, Query: "질문"}, out)
	require.NoError(t, err)

	var statuses []string
	var deltas strings.Builder
	var complete *Event
	for e := range out {
		switch {
		case e.Status != "":
			statuses = append(statuses, e.Status)
		case e.Content != "":
			deltas.WriteString(e.Content)
		case e.Complete:
			ev := e
			complete = &ev
		}
	}
	assert.Equal(t, []string{"rewriting", "retrieving", "generating"}, statuses)
	assert.Equal(t, "스트리밍 답변이다 [1].", deltas.String())
	require.NotNil(t, complete)
	assert.Contains(t, complete.Answer, "출처:")
	require.Len(t, complete.Sources, 1)
}

func TestStreamErrorEvent(t *testing.T) {
	h := newHarness(t, &fakeRetriever{}, &fakeLLM{}, &fakeEnforcer{}, noopTopics{})

	out := make(chan Event, 16)
	err := h.orch.Stream(context.Background(), Request{SessionID: "missing", Query: "질문"}, out)
	require.Error(t, err)

	var last Event
	for e := range out {
		last = e
	}
	assert.Equal(t, qaerr.KindSessionNotFound.Code(), last.Error)
	assert.NotEmpty(t, last.Message)
}

func TestInterruptCancelsTurn(t *testing.T) {
	gen := &fakeLLM{block: true, started: make(chan struct{})}
	h := newHarness(t,
		&fakeRetriever{results: []*retrieval.Result{resultOf(0.03, "D1")}},
		gen, &fakeEnforcer{}, noopTopics{})
	id := h.createSession(t)

	out := make(chan Event, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.orch.Stream(context.Background(), Request{SessionID: id, Query: "질문"}, out)
	}()

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}
	assert.True(t, h.orch.Interrupt(id))

	var last Event
	for e := range out {
		last = e
	}
	assert.Equal(t, "interrupted", last.Status)

	err := <-errCh
	assert.Equal(t, qaerr.KindCancelled, qaerr.KindOf(err))

	// The cancelled turn leaves a system notice behind.
	got, err2 := h.store.Get(context.Background(), id)
	require.NoError(t, err2)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, session.RoleSystemNotice, got.Turns[1].Role)
	assert.True(t, got.Turns[1].Metadata.Interrupted)
}

func TestInterruptIdleSession(t *testing.T) {
	h := newHarness(t, &fakeRetriever{}, &fakeLLM{}, &fakeEnforcer{}, noopTopics{})
	assert.False(t, h.orch.Interrupt("nobody"))
}

func TestResetContextIgnoresHistory(t *testing.T) {
	ret := &fakeRetriever{results: []*retrieval.Result{
		resultOf(0.03, "D1"),
		resultOf(0.03, "D2"),
	}}
	gen := &fakeLLM{answers: []string{"첫 답변이다 [1].", "리셋 후 답변이다 [1]."}}
	h := newHarness(t, ret, gen, &fakeEnforcer{}, noopTopics{})
	id := h.createSession(t)

	_, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "첫 질문"})
	require.NoError(t, err)

	res, err := h.orch.Ask(context.Background(), Request{SessionID: id, Query: "새 출발", ResetContext: true})
	require.NoError(t, err)

	// History is ignored: the scope is the full corpus again.
	require.Len(t, ret.calls, 2)
	assert.Nil(t, ret.calls[1])
	// The frozen citation map still applies: [1] is taken by D1, so the
	// new document gets ordinal 2.
	assert.Contains(t, res.Answer, "리셋 후 답변이다 [2].")
}
