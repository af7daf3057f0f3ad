package grounding

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/docs"
)

// identEmbedder maps equal (trimmed) texts to equal vectors, so cosine
// is 1 for matching sentences and 0 otherwise.
type identEmbedder struct {
	vocab map[string]int
}

func (f *identEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.vocab == nil {
		f.vocab = make(map[string]int)
	}
	out := make([][]float32, len(texts))
	for i, tx := range texts {
		key := strings.TrimSpace(tx)
		id, ok := f.vocab[key]
		if !ok {
			id = len(f.vocab)
			f.vocab[key] = id
		}
		v := make([]float32, 64)
		v[id%64] = 1
		out[i] = v
	}
	return out, nil
}

func evs(texts ...string) []docs.Evidence {
	var out []docs.Evidence
	for i, tx := range texts {
		out = append(out, docs.Evidence{
			Chunk: docs.Chunk{
				ChunkID: "c", DocID: "D1", Page: 1,
				CharStart: i * 100, CharEnd: i*100 + 100,
				Kind: docs.KindBody, Text: tx,
			},
			RankFinal: i + 1,
		})
	}
	return out
}

func newEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	return NewEnforcer(Thresholds{}, &identEmbedder{}, zaptest.NewLogger(t))
}

func TestCheckAcceptsVerbatimAnswer(t *testing.T) {
	e := newEnforcer(t)
	evidence := evs("2024년 예산은 100억 원으로 편성되었다.")
	answer := "2024년 예산은 100억 원으로 편성되었다. [1]"

	rep := e.Check(context.Background(), answer, evidence, false)
	assert.Equal(t, VerdictAccepted, rep.Verdict)
}

func TestCheckJaccardExactlyAtThresholdAccepted(t *testing.T) {
	e := NewEnforcer(Thresholds{EvidenceJaccard: 1.0}, &identEmbedder{}, zaptest.NewLogger(t))
	// Identical token sets give Jaccard exactly 1.0, which must pass.
	evidence := evs("예산은 100억 원이다.")
	rep := e.Check(context.Background(), "예산은 100억 원이다. [1]", evidence, false)
	assert.Equal(t, VerdictAccepted, rep.Verdict)
	assert.InDelta(t, 1.0, rep.Jaccard, 1e-9)
}

func TestCheckThresholdReloadChangesVerdict(t *testing.T) {
	e := NewEnforcer(Thresholds{EvidenceJaccard: 0.9}, &identEmbedder{}, zaptest.NewLogger(t))
	evidence := evs("2024년 예산은 100억 원으로 편성되었다.")
	// One extra token keeps the Jaccard under the strict bound.
	answer := "2024년 예산은 100억 원으로 편성되었다 [1]. 또한."

	rep := e.Check(context.Background(), answer, evidence, false)
	assert.Equal(t, VerdictRegenerate, rep.Verdict)

	e.UpdateThresholds(Thresholds{EvidenceJaccard: 0.6})
	rep = e.Check(context.Background(), answer, evidence, false)
	assert.Equal(t, VerdictAccepted, rep.Verdict)
}

func TestCheckLowOverlapRegenerates(t *testing.T) {
	e := newEnforcer(t)
	evidence := evs("감천문화마을은 부산 사하구에 위치한다.")
	answer := "서울의 인구는 꾸준히 증가하는 추세를 보이고 있다."

	rep := e.Check(context.Background(), answer, evidence, false)
	assert.Equal(t, VerdictRegenerate, rep.Verdict)
}

func TestCheckRetriedFailureIsInsufficient(t *testing.T) {
	e := newEnforcer(t)
	evidence := evs("감천문화마을은 부산 사하구에 위치한다.")
	answer := "서울의 인구는 꾸준히 증가하는 추세를 보이고 있다."

	rep := e.Check(context.Background(), answer, evidence, true)
	assert.Equal(t, VerdictInsufficient, rep.Verdict)
}

func TestCheckNumberMissingFromEvidenceFlagged(t *testing.T) {
	e := newEnforcer(t)
	evidence := evs("예산은 100억 원으로 편성되었다.")
	// 200억 appears nowhere in the evidence.
	answer := "예산은 200억 원으로 편성되었다. [1]"

	rep := e.Check(context.Background(), answer, evidence, false)
	require.Equal(t, VerdictRegenerate, rep.Verdict)
	assert.NotEmpty(t, rep.RegexViolations)
}

func TestCheckLegalArticleMustMatch(t *testing.T) {
	e := newEnforcer(t)
	evidence := evs("지방재정법 제44조에 따라 편성한다.")

	ok := e.Check(context.Background(), "지방재정법 제44조에 따라 편성한다. [1]", evidence, false)
	assert.Equal(t, VerdictAccepted, ok.Verdict)

	bad := e.Check(context.Background(), "지방재정법 제45조에 따라 편성한다. [1]", evidence, false)
	assert.Equal(t, VerdictRegenerate, bad.Verdict)
	assert.Contains(t, bad.RegexViolations[0], "제45조")
}

func TestCheckCanonicalNotFoundIsInsufficient(t *testing.T) {
	e := newEnforcer(t)
	rep := e.Check(context.Background(), NotFoundAnswer, evs("아무 본문"), false)
	assert.Equal(t, VerdictInsufficient, rep.Verdict)
}

func TestCheckEmptyEvidenceIsInsufficient(t *testing.T) {
	e := newEnforcer(t)
	rep := e.Check(context.Background(), "그럴듯한 답변입니다.", nil, false)
	assert.Equal(t, VerdictInsufficient, rep.Verdict)
}

func TestCheckIgnoresSourcesSection(t *testing.T) {
	e := newEnforcer(t)
	evidence := evs("2024년 예산은 100억 원으로 편성되었다.")
	answer := "2024년 예산은 100억 원으로 편성되었다. [1]\n\n출처:\n[1] → (D1, p.1, 0..100)"

	rep := e.Check(context.Background(), answer, evidence, false)
	assert.Equal(t, VerdictAccepted, rep.Verdict)
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("첫 문장이다. 둘째 문장!\n셋째 문장인가? 소수점 4.2는 유지된다.")
	require.Len(t, got, 4)
	assert.Equal(t, "첫 문장이다.", got[0])
	assert.Equal(t, "소수점 4.2는 유지된다.", got[3])
}

func TestJaccard(t *testing.T) {
	a := Tokenize("예산 편성 지침")
	b := Tokenize("예산 편성 결과")
	assert.InDelta(t, 0.5, Jaccard(a, b), 1e-9) // 2 shared / 4 union
}
