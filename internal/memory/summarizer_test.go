package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/prompt"
	"github.com/kworks-ai/docqa/internal/session"
)

func testSummarizer(t *testing.T, gen Generator) *Summarizer {
	t.Helper()
	c, err := prompt.NewComposer(prompt.DefaultTemplates(), "", 12000, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewSummarizer(gen, c, zaptest.NewLogger(t))
}

func TestSummarizeConfidenceShrinksWithLength(t *testing.T) {
	gen := &fakeGen{out: "감천문화마을 주차장에 대한 대화 요약."}
	s := testSummarizer(t, gen)

	out, conf := s.Summarize(context.Background(), sessWithHistory())
	assert.Equal(t, "감천문화마을 주차장에 대한 대화 요약.", out)
	assert.Greater(t, conf, 0.9)
}

func TestSummarizeCarriesPreviousSummary(t *testing.T) {
	gen := &fakeGen{out: "갱신된 요약"}
	s := testSummarizer(t, gen)

	sess := sessWithHistory()
	sess.Summary = "기존 요약"
	_, _ = s.Summarize(context.Background(), sess)
	assert.Contains(t, gen.lastUser, "이전 요약: 기존 요약")
}

func TestSummarizeFailureKeepsNothing(t *testing.T) {
	gen := &fakeGen{err: errors.New("model down")}
	s := testSummarizer(t, gen)

	out, conf := s.Summarize(context.Background(), sessWithHistory())
	assert.Empty(t, out)
	assert.Zero(t, conf)
}

func TestExtractEntities(t *testing.T) {
	sess := &session.Session{Turns: []session.Turn{
		{Role: session.RoleUser, Content: "2024년 예산 편성 지침 알려줘"},
		{Role: session.RoleAssistant, Content: "답변입니다."},
		{Role: session.RoleUser, Content: "감천문화마을의 주차장은 어디야?"},
	}}

	got := ExtractEntities(sess, 8)
	// Newest queries first, particles stripped, stopwords gone.
	assert.Contains(t, got, "감천문화마을")
	assert.Contains(t, got, "주차장")
	assert.Contains(t, got, "예산")
	assert.NotContains(t, got, "알려줘")
	assert.Equal(t, "감천문화마을", got[0])
}

func TestExtractEntitiesCap(t *testing.T) {
	sess := &session.Session{Turns: []session.Turn{
		{Role: session.RoleUser, Content: "하나 둘씩 셋째 넷째 다섯 여섯"},
	}}
	assert.Len(t, ExtractEntities(sess, 3), 3)
}
