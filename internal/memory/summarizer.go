package memory

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/llm"
	"github.com/kworks-ai/docqa/internal/prompt"
	"github.com/kworks-ai/docqa/internal/session"
)

// Summarizer refreshes the compressed conversation summary every few
// turns so the rewriter keeps working after the window scrolls away.
type Summarizer struct {
	gen      Generator
	composer *prompt.Composer
	log      *zap.Logger
	timeout  time.Duration
}

func NewSummarizer(gen Generator, composer *prompt.Composer, logger *zap.Logger) *Summarizer {
	return &Summarizer{gen: gen, composer: composer, log: logger, timeout: 15 * time.Second}
}

// Summarize produces a fresh summary with a coarse confidence estimate.
// Failure keeps the previous summary; the caller decides what to do
// with an empty result.
func (s *Summarizer) Summarize(ctx context.Context, sess *session.Session) (string, float64) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text := transcript(sess.RecentWindow(12))
	if sess.Summary != "" {
		text = "이전 요약: " + sess.Summary + "\n" + text
	}
	out, err := s.gen.Complete(ctx, "", s.composer.SummaryPrompt(text), llm.Options{MaxTokens: 400})
	if err != nil {
		s.log.Warn("summary refresh failed", zap.Error(err))
		return "", 0
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", 0
	}
	// Confidence degrades as the summary approaches its length cap.
	conf := 1.0 - float64(len([]rune(out)))/800.0
	if conf < 0.2 {
		conf = 0.2
	}
	return out, conf
}

// Korean particles and function words excluded from entity extraction.
var entityStopwords = map[string]struct{}{
	"그리고": {}, "그런데": {}, "하지만": {}, "대해": {}, "대한": {}, "관련": {},
	"어떻게": {}, "무엇": {}, "얼마": {}, "알려줘": {}, "알려주세요": {}, "있는": {},
	"있나요": {}, "해줘": {}, "궁금해": {}, "뭐야": {}, "언제": {}, "어디": {},
}

// ExtractEntities pulls salient terms from the latest user queries. It
// is a frequency heuristic, not NER: good enough to anchor the
// rewriter's prompt.
func ExtractEntities(sess *session.Session, limit int) []string {
	if limit <= 0 {
		limit = 8
	}
	var out []string
	seen := make(map[string]struct{})
	for i := len(sess.Turns) - 1; i >= 0 && len(out) < limit; i-- {
		t := sess.Turns[i]
		if t.Role != session.RoleUser {
			continue
		}
		for _, f := range strings.Fields(t.Content) {
			f = strings.Trim(f, "?!.,\"'()[]{}")
			f = strings.TrimSuffix(f, "은")
			f = strings.TrimSuffix(f, "는")
			f = strings.TrimSuffix(f, "이")
			f = strings.TrimSuffix(f, "가")
			f = strings.TrimSuffix(f, "을")
			f = strings.TrimSuffix(f, "를")
			f = strings.TrimSuffix(f, "의")
			if len([]rune(f)) < 2 {
				continue
			}
			if _, stop := entityStopwords[f]; stop {
				continue
			}
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}
