// Package orchestrator drives one chat turn through an explicit state
// machine: rewrite, scope, retrieve, rerank, compose, generate, enforce,
// cite, format, persist. Cancellation is observed at every blocking
// state; streaming forwards sanitised deltas from Generating onward.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/audit"
	"github.com/kworks-ai/docqa/internal/citations"
	"github.com/kworks-ai/docqa/internal/config"
	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/evidence"
	"github.com/kworks-ai/docqa/internal/format"
	"github.com/kworks-ai/docqa/internal/grounding"
	"github.com/kworks-ai/docqa/internal/llm"
	"github.com/kworks-ai/docqa/internal/memory"
	"github.com/kworks-ai/docqa/internal/metrics"
	"github.com/kworks-ai/docqa/internal/prompt"
	"github.com/kworks-ai/docqa/internal/qaerr"
	"github.com/kworks-ai/docqa/internal/rerank"
	"github.com/kworks-ai/docqa/internal/retrieval"
	"github.com/kworks-ai/docqa/internal/session"
	"github.com/kworks-ai/docqa/internal/tracing"
)

// Searcher is the hybrid retrieval surface.
type Searcher interface {
	Search(ctx context.Context, query string, allowedDocIDs []string, p retrieval.Params) (*retrieval.Result, error)
}

// Reranking scores a shortlist.
type Reranking interface {
	Rerank(ctx context.Context, query string, evs []docs.Evidence, weight float64) *rerank.Result
}

// Generating is the LLM surface used for answers.
type Generating interface {
	Complete(ctx context.Context, system, user string, opts llm.Options) (string, error)
	Stream(ctx context.Context, system, user string, opts llm.Options, onDelta func(string) error) (string, error)
}

// Enforcing validates a draft against its evidence.
type Enforcing interface {
	Check(ctx context.Context, answer string, evs []docs.Evidence, retried bool) *grounding.Report
}

// Rewriting resolves follow-up anaphora.
type Rewriting interface {
	Rewrite(ctx context.Context, sess *session.Session, query string) *session.RewriteInfo
}

// TopicDetecting decides whether a turn changes topic.
type TopicDetecting interface {
	Detect(ctx context.Context, query, prevQuery string, prevScope []string, p retrieval.Params) *memory.TopicVerdict
}

// Summarizing refreshes the session summary.
type Summarizing interface {
	Summarize(ctx context.Context, sess *session.Session) (string, float64)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store      *session.Store
	Rewriter   Rewriting
	Topics     TopicDetecting
	Scope      *memory.ScopeResolver
	Retriever  Searcher
	Reranker   Reranking
	Composer   *prompt.Composer
	Generator  Generating
	Enforcer   Enforcing
	Tracker    *citations.Tracker
	Formatter  *format.Formatter
	Summarizer Summarizing
	Audit      *audit.Log
	Tunables   func() config.Tunables
	Timeouts   StateTimeouts
	GlobalWait time.Duration
	MaxAnswer  int
	SummaryN   int
	Logger     *zap.Logger
}

// Orchestrator runs chat turns. Safe for concurrent use; per-session
// serialisation comes from the store's turn locks.
type Orchestrator struct {
	d Deps

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

// New builds the orchestrator.
func New(d Deps) *Orchestrator {
	if d.GlobalWait == 0 {
		d.GlobalWait = 180 * time.Second
	}
	if d.MaxAnswer == 0 {
		d.MaxAnswer = 2048
	}
	if d.SummaryN <= 0 {
		d.SummaryN = 6
	}
	if (d.Timeouts == StateTimeouts{}) {
		d.Timeouts = DefaultStateTimeouts()
	}
	return &Orchestrator{d: d, inFlight: make(map[string]context.CancelFunc)}
}

// Interrupt cancels the session's in-flight turn, if any.
func (o *Orchestrator) Interrupt(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.inFlight[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) register(sessionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.inFlight[sessionID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(sessionID string) {
	o.mu.Lock()
	delete(o.inFlight, sessionID)
	o.mu.Unlock()
}

// Ask runs a turn in whole mode.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, nil)
}

// Stream runs a turn in streaming mode. Events go to out, which is
// closed after the terminal event. The returned error mirrors the
// terminal event for callers that want it.
func (o *Orchestrator) Stream(ctx context.Context, req Request, out chan<- Event) error {
	defer close(out)
	emit := func(e Event) {
		select {
		case out <- e:
		case <-ctx.Done():
		}
	}
	// Terminal events must go out even after cancellation, but never
	// block forever on a reader that went away.
	terminal := func(e Event) {
		select {
		case out <- e:
		case <-time.After(2 * time.Second):
		}
	}
	res, err := o.run(ctx, req, emit)
	if err != nil {
		if qaerr.KindOf(err) == qaerr.KindCancelled {
			terminal(Event{Status: "interrupted"})
			return err
		}
		terminal(Event{Error: qaerr.KindOf(err).Code(), Message: qaerr.KindOf(err).UserMessage()})
		return err
	}
	terminal(Event{Complete: true, Answer: res.Answer, Sources: res.Sources, Metadata: res.Metadata})
	return nil
}

// turnState carries everything a turn accumulates across states.
type turnState struct {
	req     Request
	sess    *session.Session
	meta    *session.TurnMetadata
	scope   docs.DocScope
	query   string // effective (possibly rewritten) query
	evs     []docs.Evidence
	set     *evidence.Set
	answer  string
	tracked *citations.Result
	start   time.Time
}

func (o *Orchestrator) run(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, qaerr.New(qaerr.KindInvalidInput, "empty query")
	}
	ctx, cancel := context.WithTimeout(ctx, o.d.GlobalWait)
	defer cancel()

	// Queued callers wait for the turn slot at most until the request
	// deadline, then fail like any other timed-out turn.
	if err := o.d.Store.AcquireTurn(ctx, req.SessionID); err != nil {
		return nil, err
	}
	defer o.d.Store.ReleaseTurn(req.SessionID)
	o.register(req.SessionID, cancel)
	defer o.unregister(req.SessionID)

	ctx, span := tracing.StartSpan(ctx, "turn")
	defer span.End()

	metrics.TurnsStarted.Inc()
	ts := &turnState{
		req:   req,
		meta:  &session.TurnMetadata{Latency: make(map[string]int64)},
		start: time.Now(),
	}

	res, err := o.pipeline(ctx, ts, emit)
	outcome := string(StateDone)
	switch {
	case err == nil && ts.meta.Grounding != nil && ts.meta.Grounding.Verdict == grounding.VerdictInsufficient:
		outcome = string(StateInsufficient)
	case err != nil && qaerr.KindOf(err) == qaerr.KindCancelled:
		outcome = string(StateCancelled)
		o.persistInterrupt(ts)
	case err != nil:
		outcome = string(StateFailed)
	}
	metrics.TurnsCompleted.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.Observe(time.Since(ts.start).Seconds())
	o.recordAudit(ts, outcome)
	return res, err
}

// step runs one state under its deadline and records its duration.
func (o *Orchestrator) step(ctx context.Context, ts *turnState, s State, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return qaerr.Wrap(qaerr.KindCancelled, err, string(s))
	}
	sctx := ctx
	if d := o.d.Timeouts.forState(s); d > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	sctx, span := tracing.StartStateSpan(sctx, string(s))
	defer span.End()

	start := time.Now()
	err := fn(sctx)
	elapsed := time.Since(start)
	metrics.StateDuration.WithLabelValues(string(s)).Observe(elapsed.Seconds())
	ts.meta.Latency[string(s)] = elapsed.Milliseconds()

	if err != nil {
		// A state deadline on an otherwise healthy request surfaces as
		// Timeout; the parent context decides Cancelled.
		if sctx.Err() != nil && ctx.Err() == nil && qaerr.KindOf(err) == qaerr.KindCancelled {
			return qaerr.Wrap(qaerr.KindTimeout, err, string(s))
		}
		if ctx.Err() != nil {
			return qaerr.Wrap(qaerr.KindCancelled, ctx.Err(), string(s))
		}
	}
	return err
}

func (o *Orchestrator) pipeline(ctx context.Context, ts *turnState, emit func(Event)) (*Result, error) {
	tun := o.d.Tunables()
	params := retrievalParams(tun.Retrieval)

	sess, err := o.d.Store.Get(ctx, ts.req.SessionID)
	if err != nil {
		return nil, err
	}
	ts.sess = sess

	// The user turn is appended before the pipeline runs; the turn log is
	// append-only and survives failures.
	userTurn := session.Turn{Role: session.RoleUser, Content: ts.req.Query}
	if err := o.d.Store.AppendTurn(ctx, sess.SessionID, userTurn); err != nil {
		return nil, err
	}
	if sess.Title == "" {
		o.d.Store.SetTitle(ctx, sess.SessionID, deriveTitle(ts.req.Query), false)
	}

	memorySess := sess
	if ts.req.ResetContext {
		// Context reset keeps the frozen citation map but ignores history
		// for rewriting and scoping.
		memorySess = &session.Session{SessionID: sess.SessionID, FirstCitationMap: sess.FirstCitationMap}
	}

	// Rewriting
	ts.query = ts.req.Query
	if emit != nil {
		emit(Event{Status: "rewriting"})
	}
	if err := o.step(ctx, ts, StateRewriting, func(sctx context.Context) error {
		info := o.d.Rewriter.Rewrite(sctx, memorySess, ts.req.Query)
		ts.meta.Rewrite = info
		ts.query = info.Rewritten
		return nil
	}); err != nil {
		return nil, err
	}

	// Resolving scope
	if err := o.step(ctx, ts, StateResolvingScope, func(sctx context.Context) error {
		var verdict *memory.TopicVerdict
		if memorySess.IsFollowUp() && len(ts.req.DocIDs) == 0 {
			verdict = o.d.Topics.Detect(sctx, ts.query, memorySess.LastUserQuery(), memorySess.RecentSourceDocIDs, params)
		}
		ts.scope = o.d.Scope.Resolve(memorySess, ts.req.DocIDs, verdict)
		ts.meta.DocScope = &ts.scope
		return nil
	}); err != nil {
		return nil, err
	}

	// Retrieving
	if emit != nil {
		emit(Event{Status: "retrieving"})
	}
	var retrRes *retrieval.Result
	if err := o.step(ctx, ts, StateRetrieving, func(sctx context.Context) error {
		res, err := o.d.Retriever.Search(sctx, ts.query, ts.scope.AllowedDocIDs, params)
		if err != nil {
			return err
		}
		// A topic change scored against the inherited scope widens to the
		// full corpus when nothing clears the floor.
		if ts.scope.TopicChangeDetected && ts.scope.Mode == docs.ScopeInheritFirst && len(res.Evidences) == 0 {
			ts.scope = o.d.Scope.Widen(ts.scope)
			ts.meta.DocScope = &ts.scope
			res, err = o.d.Retriever.Search(sctx, ts.query, nil, params)
			if err != nil {
				return err
			}
		}
		retrRes = res
		ts.meta.RetrievalDegraded = res.Degraded
		ts.meta.DegradedSource = res.DegradedSource
		return nil
	}); err != nil {
		return nil, err
	}

	if len(retrRes.Evidences) == 0 {
		// No evidence anywhere: canonical answer, no LLM call.
		ts.meta.Grounding = &grounding.Report{Verdict: grounding.VerdictInsufficient}
		return o.finishInsufficient(ctx, ts, emit)
	}

	// Reranking
	if err := o.step(ctx, ts, StateReranking, func(sctx context.Context) error {
		short := retrRes.Evidences
		if k := tun.Retrieval.TopKRerank; k > 0 && len(short) > k {
			short = short[:k]
		}
		rr := o.d.Reranker.Rerank(sctx, ts.query, short, tun.Retrieval.WRerank)
		ts.meta.RerankSkipped = rr.Skipped
		ts.evs = rr.Evidences
		return nil
	}); err != nil {
		return nil, err
	}

	// Composing (evidence set + prompt are rebuilt for a regeneration, so
	// only the set is fixed here)
	var p *prompt.Prompt
	if err := o.step(ctx, ts, StateComposing, func(context.Context) error {
		ts.set = evidence.Build(ts.evs, tun.Retrieval.EvidenceN, tun.Retrieval.MaxPerDoc, retrieval.Keywords(ts.query))
		p = o.d.Composer.Compose(ts.query, ts.set.Evidences, false)
		ts.meta.EvidenceTruncated = p.Truncated
		return nil
	}); err != nil {
		return nil, err
	}

	// Generating + Enforcing, with at most one regeneration.
	if err := o.generateAndEnforce(ctx, ts, p, emit); err != nil {
		return nil, err
	}
	if ts.meta.Grounding.Verdict == grounding.VerdictInsufficient {
		return o.finishInsufficient(ctx, ts, emit)
	}

	// Citing
	if err := o.step(ctx, ts, StateCiting, func(context.Context) error {
		ts.tracked = o.d.Tracker.Track(ts.answer, p.Evidences, ts.sess.FirstCitationMap)
		return nil
	}); err != nil {
		return nil, err
	}

	// Formatting
	var final string
	if err := o.step(ctx, ts, StateFormatting, func(context.Context) error {
		final = o.d.Formatter.Render(ts.tracked.Answer, ts.tracked.Map)
		return nil
	}); err != nil {
		return nil, err
	}

	// Persisting
	res := &Result{Answer: final, Sources: ts.tracked.Map.Sources(), Metadata: ts.meta}
	ts.meta.Persisted = true
	if err := o.step(ctx, ts, StatePersisting, func(sctx context.Context) error {
		turn := session.Turn{
			Role:        session.RoleAssistant,
			Content:     final,
			Evidences:   p.Evidences,
			CitationMap: ts.tracked.Map,
			Metadata:    ts.meta,
		}
		if err := o.d.Store.AppendTurn(sctx, ts.sess.SessionID, turn); err != nil {
			return err
		}
		if err := o.d.Store.FreezeCitationMap(sctx, ts.sess.SessionID, ts.tracked.Map, p.Evidences); err != nil {
			return err
		}
		return o.d.Store.FlushNow(sctx, ts.sess.SessionID)
	}); err != nil {
		// The answer is complete; a persistence failure is reported in
		// metadata, not converted into a turn failure.
		o.d.Logger.Error("turn persistence failed", zap.String("session_id", ts.sess.SessionID), zap.Error(err))
		ts.meta.Persisted = false
	}

	o.maybeRefreshMemory(ts.sess.SessionID)

	if emit != nil {
		// Whole-answer replay is skipped in stream mode; the deltas already
		// went out and the complete event carries the final text.
		return res, nil
	}
	return res, nil
}

// generateAndEnforce runs Generating → Enforcing, regenerating once on a
// rejected draft.
func (o *Orchestrator) generateAndEnforce(ctx context.Context, ts *turnState, p *prompt.Prompt, emit func(Event)) error {
	opts := llm.DeterministicOptions(o.d.MaxAnswer)

	gen := func(state State, pr *prompt.Prompt) error {
		return o.step(ctx, ts, state, func(sctx context.Context) error {
			if emit != nil {
				var err error
				ts.answer, err = o.d.Generator.Stream(sctx, pr.System, pr.User, opts, func(delta string) error {
					emit(Event{Content: delta})
					return nil
				})
				return err
			}
			var err error
			ts.answer, err = o.d.Generator.Complete(sctx, pr.System, pr.User, opts)
			return err
		})
	}

	if emit != nil {
		emit(Event{Status: "generating"})
	}
	if err := gen(StateGenerating, p); err != nil {
		return err
	}

	var rep *grounding.Report
	if err := o.step(ctx, ts, StateEnforcing, func(sctx context.Context) error {
		rep = o.d.Enforcer.Check(sctx, ts.answer, p.Evidences, false)
		return nil
	}); err != nil {
		return err
	}

	if rep.Verdict == grounding.VerdictRegenerate {
		ts.meta.Regenerated = true
		if emit != nil {
			emit(Event{Status: "regenerating"})
		}
		retry := o.d.Composer.Compose(ts.query, ts.set.Evidences, true)
		if err := gen(StateRegenerating, retry); err != nil {
			return err
		}
		if err := o.step(ctx, ts, StateEnforcing, func(sctx context.Context) error {
			rep = o.d.Enforcer.Check(sctx, ts.answer, retry.Evidences, true)
			return nil
		}); err != nil {
			return err
		}
	}
	ts.meta.Grounding = rep
	return nil
}

// finishInsufficient persists and returns the canonical success-shaped
// "not found" response.
func (o *Orchestrator) finishInsufficient(ctx context.Context, ts *turnState, emit func(Event)) (*Result, error) {
	ts.meta.Persisted = true
	turn := session.Turn{
		Role:     session.RoleAssistant,
		Content:  grounding.NotFoundAnswer,
		Metadata: ts.meta,
	}
	if err := o.d.Store.AppendTurn(ctx, ts.req.SessionID, turn); err != nil {
		o.d.Logger.Error("persisting insufficient-evidence turn failed", zap.Error(err))
		ts.meta.Persisted = false
	}
	return &Result{Answer: grounding.NotFoundAnswer, Sources: []docs.Source{}, Metadata: ts.meta}, nil
}

// persistInterrupt appends the single system notice a cancelled turn
// leaves behind. The frozen citation map is untouched.
func (o *Orchestrator) persistInterrupt(ts *turnState) {
	ts.meta.Interrupted = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	turn := session.Turn{
		Role:     session.RoleSystemNotice,
		Content:  "요청이 중단되었습니다.",
		Metadata: ts.meta,
	}
	if err := o.d.Store.AppendTurn(ctx, ts.req.SessionID, turn); err != nil {
		o.d.Logger.Warn("persisting interrupt notice failed", zap.Error(err))
	}
	metrics.StreamInterruptions.Inc()
}

// maybeRefreshMemory updates summary and entities every SummaryN turns,
// off the request path.
func (o *Orchestrator) maybeRefreshMemory(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sess, err := o.d.Store.Get(ctx, sessionID)
		if err != nil {
			return
		}
		if err := o.d.Store.UpdateEntities(ctx, sessionID, memory.ExtractEntities(sess, 8)); err != nil {
			o.d.Logger.Warn("entity refresh failed", zap.Error(err))
		}
		if o.d.Summarizer == nil || len(sess.Turns) == 0 || len(sess.Turns)%o.d.SummaryN != 0 {
			return
		}
		if sum, conf := o.d.Summarizer.Summarize(ctx, sess); sum != "" {
			if err := o.d.Store.UpdateSummary(ctx, sessionID, sum, conf); err != nil {
				o.d.Logger.Warn("summary refresh failed", zap.Error(err))
			}
		}
	}()
}

func (o *Orchestrator) recordAudit(ts *turnState, outcome string) {
	if o.d.Audit == nil {
		return
	}
	e := audit.Entry{
		SessionID:   ts.req.SessionID,
		Query:       ts.req.Query,
		Outcome:     outcome,
		Latency:     time.Since(ts.start),
		Degraded:    ts.meta.RetrievalDegraded,
		Regenerated: ts.meta.Regenerated,
	}
	if ts.meta.Grounding != nil {
		e.Verdict = string(ts.meta.Grounding.Verdict)
	}
	if ts.meta.DocScope != nil {
		e.ScopeMode = string(ts.meta.DocScope.Mode)
	}
	if ts.set != nil {
		e.EvidenceN = len(ts.set.Evidences)
	}
	o.d.Audit.Record(e)
}

func retrievalParams(r config.RetrievalConfig) retrieval.Params {
	return retrieval.Params{
		KLex:       r.TopKBM25,
		KVec:       r.TopKVector,
		KOut:       r.TopKRerank,
		RRFK:       r.RRFK,
		WLex:       r.WBM25,
		WVec:       r.WVector,
		MaxPerDoc:  r.MaxPerDoc,
		FloorRatio: r.FloorRatio,
	}
}

func deriveTitle(query string) string {
	r := []rune(strings.TrimSpace(query))
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return string(r)
}
