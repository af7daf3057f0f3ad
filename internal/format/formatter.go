// Package format renders the final structured answer: body with
// citation markers, a machine-parseable sources section, Unicode
// sanitisation, and optional PII masking.
package format

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/kworks-ai/docqa/internal/docs"
)

// SourcesHeader delimits the machine-parseable sources section. One
// locator per line follows, ascending by ordinal.
const SourcesHeader = "출처:"

// Formatter finalises answer text. The same inputs always produce
// byte-identical output.
type Formatter struct {
	MaskPII bool
}

// Render sanitises the body, strips any model-written sources section,
// and appends the authoritative one derived from the citation map.
func (f *Formatter) Render(body string, cmap docs.CitationMap) string {
	body = Sanitize(body)
	if f.MaskPII {
		body = MaskPII(body)
	}
	body = stripModelSources(body)
	body = strings.TrimRight(body, " \n\t")

	if len(cmap) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString(SourcesHeader)
	b.WriteByte('\n')
	for _, s := range cmap.Sources() {
		fmt.Fprintf(&b, "[%d] → (%s, p.%d, %d..%d)\n", s.N, s.DocID, s.Page, s.CharStart, s.CharEnd)
	}
	return strings.TrimRight(b.String(), "\n")
}

// stripModelSources removes a trailing sources section the model wrote
// itself; the formatter's section derived from the tracked map is the
// only authoritative one.
func stripModelSources(body string) string {
	idx := strings.LastIndex(body, SourcesHeader)
	if idx < 0 {
		return body
	}
	// Only strip when everything after the header looks like locator
	// lines, so a body legitimately containing the word survives.
	tail := body[idx+len(SourcesHeader):]
	for _, line := range strings.Split(strings.TrimSpace(tail), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}
		return body
	}
	return body[:idx]
}

// Sanitize drops control and private-use codepoints that upstream
// document parsing is known to leak. Newlines and tabs survive.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r):
			return -1
		case unicode.In(r, unicode.Co): // private use areas
			return -1
		case r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, s)
}

var (
	// Korean resident registration numbers: YYMMDD-NNNNNNN.
	rrnRe = regexp.MustCompile(`\b\d{6}-\d{7}\b`)
	// Mobile and Seoul-style landline numbers.
	phoneRe = regexp.MustCompile(`\b0\d{1,2}-\d{3,4}-\d{4}\b`)
)

// MaskPII blanks personal identifiers while keeping their shape.
func MaskPII(s string) string {
	s = rrnRe.ReplaceAllStringFunc(s, func(m string) string {
		return m[:7] + "*******"
	})
	s = phoneRe.ReplaceAllStringFunc(s, func(m string) string {
		i := strings.LastIndex(m, "-")
		return m[:i+1] + "****"
	})
	return s
}
