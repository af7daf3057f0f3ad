package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(f *ThinkFilter, chunks ...string) string {
	var out string
	for _, c := range chunks {
		out += f.Feed(c)
	}
	return out + f.Flush()
}

func TestThinkFilterStripsWholeBlock(t *testing.T) {
	f := NewThinkFilter()
	got := feedAll(f, "<think>내부 추론</think>답변입니다.")
	assert.Equal(t, "답변입니다.", got)
}

func TestThinkFilterTagSplitAcrossChunks(t *testing.T) {
	f := NewThinkFilter()
	got := feedAll(f, "앞부분 <th", "ink>추론", "</thi", "nk>뒷부분")
	assert.Equal(t, "앞부분 뒷부분", got)
}

func TestThinkFilterPartialTagNeverLeaks(t *testing.T) {
	f := NewThinkFilter()
	// Only feed half an opening tag; nothing tag-like may be emitted yet.
	first := f.Feed("본문<thin")
	assert.Equal(t, "본문", first)
	// The held-back bytes turn out to be real text, not a tag.
	rest := f.Feed("king about it") + f.Flush()
	assert.Equal(t, "<thinking about it", rest)
}

func TestThinkFilterUnterminatedBlockStaysSuppressed(t *testing.T) {
	f := NewThinkFilter()
	got := feedAll(f, "보이는 부분<think>끝나지 않는 추론")
	assert.Equal(t, "보이는 부분", got)
}

func TestThinkFilterMultipleBlocks(t *testing.T) {
	f := NewThinkFilter()
	got := feedAll(f, "a<think>x</think>b<reasoning>y</reasoning>c")
	assert.Equal(t, "abc", got)
}

func TestThinkFilterPlainTextUntouched(t *testing.T) {
	f := NewThinkFilter()
	got := feedAll(f, "핵심 답변: 예산은 100억 원입니다 [1].")
	assert.Equal(t, "핵심 답변: 예산은 100억 원입니다 [1].", got)
}
