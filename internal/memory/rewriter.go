// Package memory implements the conversational layers between a raw
// follow-up question and retrieval: query rewriting, topic-change
// detection, and document-scope resolution.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/grounding"
	"github.com/kworks-ai/docqa/internal/llm"
	"github.com/kworks-ai/docqa/internal/prompt"
	"github.com/kworks-ai/docqa/internal/session"
)

// Generator is the LLM surface the memory layer needs.
type Generator interface {
	Complete(ctx context.Context, system, user string, opts llm.Options) (string, error)
}

// RewriterConfig bounds the rewrite output.
type RewriterConfig struct {
	MaxOutputChars int
	MinKeepRatio   float64
	HistoryWindow  int
	// MinSummaryConfidence drops the session summary from the rewrite
	// prompt when the summarizer scored it lower; zero trusts every summary.
	MinSummaryConfidence float64
	Timeout              time.Duration
}

// Rewriter turns a follow-up question into a standalone query using the
// session summary, entities and a short turn window. Any failure falls
// back to the original query.
type Rewriter struct {
	mu       sync.RWMutex
	cfg      RewriterConfig
	gen      Generator
	composer *prompt.Composer
	log      *zap.Logger
}

func NewRewriter(cfg RewriterConfig, gen Generator, composer *prompt.Composer, logger *zap.Logger) *Rewriter {
	return &Rewriter{cfg: withRewriterDefaults(cfg), gen: gen, composer: composer, log: logger}
}

func withRewriterDefaults(cfg RewriterConfig) RewriterConfig {
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = 512
	}
	if cfg.MinKeepRatio <= 0 {
		cfg.MinKeepRatio = 0.5
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	return cfg
}

// UpdateConfig swaps the tunables on a config reload.
func (r *Rewriter) UpdateConfig(cfg RewriterConfig) {
	r.mu.Lock()
	r.cfg = withRewriterDefaults(cfg)
	r.mu.Unlock()
}

func (r *Rewriter) config() RewriterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Rewrite resolves anaphora in query against the session memory. The
// returned RewriteInfo always carries the query retrieval should use.
func (r *Rewriter) Rewrite(ctx context.Context, sess *session.Session, query string) *session.RewriteInfo {
	info := &session.RewriteInfo{Original: query, Rewritten: query}
	if sess == nil || len(sess.Turns) == 0 {
		return info
	}
	cfg := r.config()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	recent := transcript(sess.RecentWindow(cfg.HistoryWindow))
	summary := sess.Summary
	if summary != "" && cfg.MinSummaryConfidence > 0 && sess.SummaryConfidence < cfg.MinSummaryConfidence {
		// A low-confidence summary steers the rewrite worse than none.
		summary = ""
	}
	if len(sess.RecentEntities) > 0 {
		summary += "\n주요 개체: " + strings.Join(sess.RecentEntities, ", ")
	}

	out, err := r.gen.Complete(ctx, "", r.composer.RewritePrompt(summary, recent, query), llm.Options{MaxTokens: 256})
	if err != nil {
		r.log.Warn("query rewrite failed, using original", zap.Error(err))
		info.UsedFallback = true
		return info
	}
	out = strings.TrimSpace(out)
	out = strings.Trim(out, "\"“”")
	if out == "" {
		info.UsedFallback = true
		return info
	}
	if n := []rune(out); len(n) > cfg.MaxOutputChars {
		out = string(n[:cfg.MaxOutputChars])
	}
	if keepRatio(query, out) < cfg.MinKeepRatio {
		// A rewrite that discards most of the question is destructive.
		r.log.Debug("rewrite discarded too many tokens, using original",
			zap.String("rewritten", out))
		info.UsedFallback = true
		return info
	}
	info.Rewritten = out
	return info
}

// keepRatio is the fraction of the original's tokens surviving in the
// rewrite.
func keepRatio(original, rewritten string) float64 {
	orig := grounding.Tokenize(original)
	if len(orig) == 0 {
		return 1
	}
	got := grounding.Tokenize(rewritten)
	kept := 0
	for t := range orig {
		if _, ok := got[t]; ok {
			kept++
		}
	}
	return float64(kept) / float64(len(orig))
}

func transcript(turns []session.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case session.RoleUser:
			b.WriteString("사용자: ")
		case session.RoleAssistant:
			b.WriteString("답변: ")
		default:
			continue
		}
		content := t.Content
		if n := []rune(content); len(n) > 300 {
			content = string(n[:300]) + "…"
		}
		b.WriteString(content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
