// Package prompt assembles the evidence-only generation prompt: the
// system instructions, the numbered evidence blocks, and the user
// question, trimmed to fit the model's context budget.
package prompt

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/docs"
)

// Composer builds prompts from templates and counts tokens with a
// tiktoken encoding. The encoding is an approximation for non-OpenAI
// backends but keeps trimming deterministic.
type Composer struct {
	tmpl Templates
	enc  *tiktoken.Tiktoken
	log  *zap.Logger

	// ContextBudget is the total token budget for system + evidences +
	// question. Completion headroom must already be subtracted.
	ContextBudget int
}

// NewComposer builds a composer. encoding defaults to cl100k_base.
func NewComposer(tmpl Templates, encoding string, contextBudget int, logger *zap.Logger) (*Composer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("prompt: load encoding %q: %w", encoding, err)
	}
	if contextBudget <= 0 {
		contextBudget = 12000
	}
	return &Composer{tmpl: tmpl, enc: enc, log: logger, ContextBudget: contextBudget}, nil
}

// Prompt is the composed request for the generator.
type Prompt struct {
	System string
	User   string
	// Evidences are the blocks that survived the token budget, in rank
	// order. Downstream enforcement must only consider these.
	Evidences []docs.Evidence
	// Truncated is set when evidences were dropped to fit the budget.
	Truncated bool
	Tokens    int
}

// Compose builds the generation prompt. Evidences come in final rank
// order; when the budget is tight the lowest-ranked blocks are dropped
// first, never reordered. regenerate appends the stricter retry
// instructions.
func (c *Composer) Compose(question string, evs []docs.Evidence, regenerate bool) *Prompt {
	system := c.tmpl.System
	if regenerate {
		system += c.tmpl.RegenerateSuffix
	}

	fixed := c.Count(system) + c.Count(question) + 64 // message framing slack
	budget := c.ContextBudget - fixed

	kept := evs
	truncated := false
	blocks := make([]string, 0, len(evs))
	used := 0
	for i, e := range evs {
		b := EvidenceBlock(e)
		n := c.Count(b)
		if used+n > budget && i > 0 {
			kept = evs[:i]
			truncated = true
			break
		}
		used += n
		blocks = append(blocks, b)
	}
	if truncated {
		c.log.Warn("evidence trimmed to fit context budget",
			zap.Int("kept", len(kept)), zap.Int("dropped", len(evs)-len(kept)))
	}

	var user strings.Builder
	user.WriteString("[근거 문단]\n")
	for _, b := range blocks {
		user.WriteString(b)
		user.WriteString("\n\n")
	}
	user.WriteString("[질문]\n")
	user.WriteString(question)

	return &Prompt{
		System:    system,
		User:      user.String(),
		Evidences: kept,
		Truncated: truncated,
		Tokens:    fixed + used,
	}
}

// EvidenceBlock renders one evidence paragraph with its stable header.
// The header carries the locator so the model can cite by number while
// the tracker resolves numbers back to locators.
func EvidenceBlock(e docs.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] doc_id=%s, page=%d, span=[%d..%d]", e.RankFinal, e.DocID, e.Page, e.CharStart, e.CharEnd)
	if e.Kind == docs.KindTable || e.Kind == docs.KindFootnote {
		fmt.Fprintf(&b, ", kind=%s", e.Kind)
	}
	b.WriteByte('\n')
	b.WriteString(e.Text)
	return b.String()
}

// RewritePrompt renders the follow-up rewriting instruction.
func (c *Composer) RewritePrompt(summary, recent, question string) string {
	if summary == "" {
		summary = "(없음)"
	}
	if recent == "" {
		recent = "(없음)"
	}
	return fmt.Sprintf(c.tmpl.Rewrite, summary, recent, question)
}

// SummaryPrompt renders the session summarisation instruction.
func (c *Composer) SummaryPrompt(transcript string) string {
	return fmt.Sprintf(c.tmpl.Summary, transcript)
}

// Count returns the token count of text under the composer's encoding.
func (c *Composer) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
