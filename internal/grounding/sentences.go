package grounding

import "strings"

// SplitSentences cuts Korean answer text into sentences. Terminators are
// the usual sentence-final punctuation plus newlines; bullet markers and
// section labels survive as part of their sentence.
func SplitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		cur.Reset()
		if s != "" {
			out = append(out, s)
		}
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)
		switch r {
		case '\n':
			flush()
		case '.', '!', '?':
			// "100.5" and "4.2" must not split.
			if r == '.' && i+1 < len(runes) && isDigit(runes[i+1]) && i > 0 && isDigit(runes[i-1]) {
				continue
			}
			flush()
		}
	}
	flush()
	return out
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// Tokenize lowercases and splits text into bare word tokens for the
// Jaccard computation.
func Tokenize(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,!?\"'()[]{}:;·…「」『』")
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}

// Jaccard computes |A∩B| / |A∪B| over token sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
