// Package grounding verifies a generated answer against its evidence
// set: lexical overlap, verbatim factual tokens, and per-sentence
// support. Nothing leaves the pipeline without passing here.
package grounding

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/embeddings"
	"github.com/kworks-ai/docqa/internal/metrics"
)

// NotFoundAnswer is the canonical reply when the corpus has no evidence.
const NotFoundAnswer = "제공된 문서에서 해당 정보를 찾을 수 없습니다."

// Verdict is the enforcement outcome for one draft.
type Verdict string

const (
	VerdictAccepted     Verdict = "accepted"
	VerdictRegenerate   Verdict = "regenerate"
	VerdictInsufficient Verdict = "insufficient_evidence"
)

// Thresholds are the acceptance bounds; values at the bound pass.
type Thresholds struct {
	EvidenceJaccard float64
	CitationSentSim float64
	CitationSpanIOU float64
}

// Report is the full check result attached to turn metadata.
type Report struct {
	Verdict           Verdict  `json:"verdict"`
	Jaccard           float64  `json:"jaccard"`
	RegexViolations   []string `json:"regex_violations,omitempty"`
	UngroundedCount   int      `json:"ungrounded_count,omitempty"`
	UngroundedSamples []string `json:"ungrounded_samples,omitempty"`
}

// Embedder provides batch sentence embeddings for similarity grounding.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Enforcer runs the three checks in order of cost: Jaccard, regex,
// per-sentence support.
type Enforcer struct {
	mu       sync.RWMutex
	th       Thresholds
	embedder Embedder
	log      *zap.Logger
}

func NewEnforcer(th Thresholds, embedder Embedder, logger *zap.Logger) *Enforcer {
	return &Enforcer{th: withThresholdDefaults(th), embedder: embedder, log: logger}
}

func withThresholdDefaults(th Thresholds) Thresholds {
	if th.EvidenceJaccard == 0 {
		th.EvidenceJaccard = 0.55
	}
	if th.CitationSentSim == 0 {
		th.CitationSentSim = 0.90
	}
	if th.CitationSpanIOU == 0 {
		th.CitationSpanIOU = 0.50
	}
	return th
}

// UpdateThresholds swaps the acceptance bounds on a config reload.
func (e *Enforcer) UpdateThresholds(th Thresholds) {
	e.mu.Lock()
	e.th = withThresholdDefaults(th)
	e.mu.Unlock()
}

func (e *Enforcer) thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.th
}

var (
	citationRe = regexp.MustCompile(`\[(\d+)\]`)
	numberRe   = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	isoDateRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	// 제12조, 제12조의2, 제3항, 제1호
	lawRe = regexp.MustCompile(`제\s?\d+\s?(?:조(?:의\s?\d+)?|항|호)`)
)

// Check validates a draft answer. retried reports whether this draft is
// already the one regeneration; a failing retried draft goes straight to
// insufficient_evidence.
func (e *Enforcer) Check(ctx context.Context, answer string, evs []docs.Evidence, retried bool) *Report {
	rep := &Report{Verdict: VerdictAccepted}
	defer func() { metrics.EnforcerVerdicts.WithLabelValues(string(rep.Verdict)).Inc() }()

	body := answerBody(answer)
	if strings.TrimSpace(body) == "" || strings.Contains(body, NotFoundAnswer) {
		// The model declaring no answer is itself the insufficient outcome.
		rep.Verdict = VerdictInsufficient
		return rep
	}
	if len(evs) == 0 {
		rep.Verdict = VerdictInsufficient
		return rep
	}

	var evText strings.Builder
	for _, ev := range evs {
		evText.WriteString(ev.Text)
		evText.WriteByte('\n')
	}
	evTokens := Tokenize(evText.String())

	// Citation markers are bookkeeping, not claims; they do not count
	// toward or against overlap.
	plain := citationRe.ReplaceAllString(body, "")
	rep.Jaccard = Jaccard(Tokenize(plain), evTokens)
	ok := rep.Jaccard >= e.thresholds().EvidenceJaccard

	if viol := e.regexViolations(plain, evText.String()); len(viol) > 0 {
		rep.RegexViolations = viol
		ok = false
	}

	if ok {
		ungrounded := e.ungroundedSentences(ctx, body, evs)
		rep.UngroundedCount = len(ungrounded)
		for i, s := range ungrounded {
			if i >= 3 {
				break
			}
			rep.UngroundedSamples = append(rep.UngroundedSamples, s)
		}
		ok = len(ungrounded) == 0
	}

	if !ok {
		if retried {
			rep.Verdict = VerdictInsufficient
		} else {
			rep.Verdict = VerdictRegenerate
			metrics.Regenerations.Inc()
		}
		e.log.Info("draft rejected",
			zap.String("verdict", string(rep.Verdict)),
			zap.Float64("jaccard", rep.Jaccard),
			zap.Int("ungrounded", rep.UngroundedCount),
			zap.Strings("regex_violations", rep.RegexViolations))
	}
	return rep
}

// regexViolations finds factual tokens of the answer missing from every
// evidence. Comparison ignores thousands separators and spacing.
func (e *Enforcer) regexViolations(body, evidence string) []string {
	evNorm := normFactual(evidence)
	var out []string
	seen := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{isoDateRe, lawRe, numberRe} {
		for _, m := range re.FindAllString(body, -1) {
			n := normFactual(m)
			if len(n) < 2 && !strings.ContainsAny(n, "0123456789") {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			if !strings.Contains(evNorm, n) {
				out = append(out, m)
			}
		}
	}
	return out
}

func normFactual(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// ungroundedSentences returns sentences supported neither by a valid
// cited span nor by embedding similarity.
func (e *Enforcer) ungroundedSentences(ctx context.Context, body string, evs []docs.Evidence) []string {
	var pending []string
	for _, sent := range SplitSentences(body) {
		if !isFactual(sent) {
			continue
		}
		if e.citedSpanSupports(sent, evs) {
			continue
		}
		pending = append(pending, sent)
	}
	if len(pending) == 0 {
		return nil
	}
	return e.similarityUngrounded(ctx, pending, evs)
}

// isFactual filters out headings, empty bullets and the sources section.
func isFactual(sent string) bool {
	s := strings.TrimLeft(sent, "-•* ")
	switch {
	case s == "", len([]rune(s)) < 4:
		return false
	case strings.HasPrefix(s, "핵심 답변:") && strings.TrimSpace(strings.TrimPrefix(s, "핵심 답변:")) == "":
		return false
	case s == "주요 내용:", s == "상세 설명:", s == "출처:":
		return false
	case strings.HasPrefix(s, "[") && strings.Contains(s, "doc_id"):
		return false
	}
	return true
}

// citedSpanSupports accepts a sentence carrying a valid [i] whose
// evidence shares a long enough contiguous character run with it.
func (e *Enforcer) citedSpanSupports(sent string, evs []docs.Evidence) bool {
	ms := citationRe.FindAllStringSubmatch(sent, -1)
	if len(ms) == 0 {
		return false
	}
	fragment := strings.TrimSpace(citationRe.ReplaceAllString(sent, ""))
	fragment = strings.TrimLeft(fragment, "-•* ")
	for _, m := range ms {
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 1 || i > len(evs) {
			continue
		}
		if spanOverlap(fragment, evs[i-1].Text) >= e.thresholds().CitationSpanIOU {
			return true
		}
	}
	return false
}

// spanOverlap is the share of the fragment covered by its longest
// contiguous run also present in the evidence, computed over runes with
// whitespace collapsed.
func spanOverlap(fragment, evidence string) float64 {
	a := []rune(collapseSpace(fragment))
	b := []rune(collapseSpace(evidence))
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Longest common substring, O(len(a)·len(b)) with a rolling row.
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return float64(best) / float64(len(a))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// similarityUngrounded embeds the pending sentences and the evidence
// sentences in one batch and keeps the sentences whose best cosine falls
// short. Embedding failure is conservative: the sentences stay
// ungrounded rather than silently pass.
func (e *Enforcer) similarityUngrounded(ctx context.Context, sentences []string, evs []docs.Evidence) []string {
	var evSents []string
	for _, ev := range evs {
		evSents = append(evSents, SplitSentences(ev.Text)...)
	}
	if len(evSents) == 0 {
		return sentences
	}

	clean := make([]string, len(sentences))
	for i, s := range sentences {
		clean[i] = strings.TrimSpace(citationRe.ReplaceAllString(s, ""))
	}
	batch := append(append([]string{}, clean...), evSents...)
	vecs, err := e.embedder.EmbedBatch(ctx, batch)
	if err != nil || len(vecs) != len(batch) {
		e.log.Warn("sentence embedding unavailable during enforcement", zap.Error(err))
		return sentences
	}
	sentVecs, evVecs := vecs[:len(clean)], vecs[len(clean):]

	minSim := e.thresholds().CitationSentSim
	var out []string
	for i, sv := range sentVecs {
		best := 0.0
		for _, ev := range evVecs {
			if c := embeddings.Cosine(sv, ev); c > best {
				best = c
			}
		}
		if best < minSim {
			out = append(out, sentences[i])
		}
	}
	return out
}

// answerBody strips the trailing sources section; locator lines are
// bookkeeping, not claims.
func answerBody(answer string) string {
	if idx := strings.LastIndex(answer, "출처:"); idx >= 0 {
		return answer[:idx]
	}
	return answer
}
