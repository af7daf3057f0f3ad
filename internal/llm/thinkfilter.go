package llm

import "strings"

// Reasoning models wrap deliberation in think tags that must never reach
// clients. The filter strips tagged spans from a stream, holding back
// only as many trailing bytes as could still turn into a tag.
var (
	openTags  = []string{"<think>", "<thinking>", "<reasoning>"}
	closeTags = []string{"</think>", "</thinking>", "</reasoning>"}
)

// ThinkFilter is a streaming tag stripper. Feed returns the visible part
// of each chunk; Flush releases anything still held at stream end.
type ThinkFilter struct {
	inThink bool
	carry   string
	maxTag  int
}

func NewThinkFilter() *ThinkFilter {
	f := &ThinkFilter{}
	for _, t := range append(append([]string{}, openTags...), closeTags...) {
		if len(t) > f.maxTag {
			f.maxTag = len(t)
		}
	}
	return f
}

// Feed consumes one chunk and returns the text safe to emit.
func (f *ThinkFilter) Feed(chunk string) string {
	s := f.carry + chunk
	f.carry = ""
	var out strings.Builder

	for s != "" {
		if f.inThink {
			idx, tag := firstTag(s, closeTags)
			if idx < 0 {
				// Drop all but a possible tag prefix at the tail.
				f.carry = tagPrefixTail(s, f.maxTag)
				return out.String()
			}
			s = s[idx+len(tag):]
			f.inThink = false
			continue
		}
		idx, tag := firstTag(s, openTags)
		if idx < 0 {
			tail := tagPrefixTail(s, f.maxTag)
			out.WriteString(s[:len(s)-len(tail)])
			f.carry = tail
			return out.String()
		}
		out.WriteString(s[:idx])
		s = s[idx+len(tag):]
		f.inThink = true
	}
	return out.String()
}

// Flush returns held-back text. Inside an unterminated think block the
// remainder stays suppressed.
func (f *ThinkFilter) Flush() string {
	c := f.carry
	f.carry = ""
	if f.inThink {
		return ""
	}
	return c
}

// firstTag finds the earliest occurrence of any tag.
func firstTag(s string, tags []string) (int, string) {
	best, bestTag := -1, ""
	for _, t := range tags {
		if i := strings.Index(s, t); i >= 0 && (best < 0 || i < best) {
			best, bestTag = i, t
		}
	}
	return best, bestTag
}

// tagPrefixTail returns the longest suffix of s (bounded by maxTag-1)
// that is a prefix of some tag, so a tag split across chunks is not
// leaked half-emitted.
func tagPrefixTail(s string, maxTag int) string {
	limit := maxTag - 1
	if limit > len(s) {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		tail := s[len(s)-n:]
		for _, t := range append(append([]string{}, openTags...), closeTags...) {
			if strings.HasPrefix(t, tail) {
				return tail
			}
		}
	}
	return ""
}
