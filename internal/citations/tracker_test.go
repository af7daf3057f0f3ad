package citations

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kworks-ai/docqa/internal/docs"
)

func ev(rank int, doc string, page int) docs.Evidence {
	return docs.Evidence{
		Chunk: docs.Chunk{
			ChunkID: fmt.Sprintf("%s-%d", doc, page), DocID: doc, Page: page,
			CharStart: 0, CharEnd: 100, Kind: docs.KindBody, Text: "본문",
		},
		RankFinal: rank,
	}
}

func loc(doc string, page int) docs.Locator {
	e := ev(1, doc, page)
	return e.Locator()
}

func TestTrackFirstTurnKeepsOrdinals(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	evs := []docs.Evidence{ev(1, "D1", 1), ev(2, "D2", 4)}

	res := tr.Track("예산은 100억 원이다 [1]. 담당 부서는 기획실이다 [2].", evs, nil)

	assert.Equal(t, "예산은 100억 원이다 [1]. 담당 부서는 기획실이다 [2].", res.Answer)
	assert.Zero(t, res.Rewritten)
	assert.Zero(t, res.Dropped)
	require.Len(t, res.Map, 2)
	assert.Equal(t, evs[0].Locator(), res.Map[1])
	assert.Equal(t, evs[1].Locator(), res.Map[2])
}

func TestTrackFrozenOrdinalNeverRebinds(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	frozenLoc := loc("D1", 1)
	frozen := docs.CitationMap{1: frozenLoc}

	// This turn ranks a different chunk first, so its [1] clashes with
	// the frozen binding and moves to the next free ordinal.
	evs := []docs.Evidence{ev(1, "D9", 7)}
	res := tr.Track("후속 답변이다 [1].", evs, frozen)

	assert.Equal(t, "후속 답변이다 [2].", res.Answer)
	assert.Equal(t, 1, res.Rewritten)
	require.Len(t, res.Map, 1)
	assert.Equal(t, evs[0].Locator(), res.Map[2])
	// The frozen map itself is untouched.
	assert.Equal(t, frozenLoc, frozen[1])
}

func TestTrackFrozenLocatorKeepsItsOrdinal(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	evs := []docs.Evidence{ev(1, "D1", 1)}
	frozen := docs.CitationMap{3: evs[0].Locator()}

	res := tr.Track("같은 근거를 다시 인용한다 [1].", evs, frozen)

	assert.Equal(t, "같은 근거를 다시 인용한다 [3].", res.Answer)
	assert.Equal(t, 1, res.Rewritten)
	assert.Equal(t, evs[0].Locator(), res.Map[3])
}

func TestTrackNextOrdinalSkipsFrozenRange(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	frozen := docs.CitationMap{
		1: loc("D1", 1),
		2: loc("D2", 1),
	}
	evs := []docs.Evidence{ev(1, "D3", 1)}

	res := tr.Track("새 문서의 근거다 [1].", evs, frozen)
	assert.Equal(t, "새 문서의 근거다 [3].", res.Answer)
	assert.Equal(t, evs[0].Locator(), res.Map[3])
}

func TestTrackRepeatedMarkerResolvesOnce(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	frozen := docs.CitationMap{1: loc("DX", 9)}
	evs := []docs.Evidence{ev(1, "D1", 1)}

	res := tr.Track("먼저 [1] 그리고 다시 [1].", evs, frozen)

	assert.Equal(t, "먼저 [2] 그리고 다시 [2].", res.Answer)
	assert.Equal(t, 2, res.Rewritten)
	assert.Len(t, res.Map, 1)
}

func TestTrackOutOfRangeMarkerDropped(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	evs := []docs.Evidence{ev(1, "D1", 1)}

	res := tr.Track("확인된 내용이다 [1]. 근거 없는 주장 [7].", evs, nil)

	assert.Equal(t, "확인된 내용이다 [1]. 근거 없는 주장.", res.Answer)
	assert.Equal(t, 1, res.Dropped)
	assert.Len(t, res.Map, 1)
}

func TestTrackMapHoldsOnlyCitedOrdinals(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	evs := []docs.Evidence{ev(1, "D1", 1), ev(2, "D2", 1), ev(3, "D3", 1)}

	res := tr.Track("두 번째 근거만 인용한다 [2].", evs, nil)

	require.Len(t, res.Map, 1)
	assert.Equal(t, evs[1].Locator(), res.Map[2])
}

func TestTrackNoMarkers(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	res := tr.Track("마커가 없는 답변.", []docs.Evidence{ev(1, "D1", 1)}, nil)
	assert.Equal(t, "마커가 없는 답변.", res.Answer)
	assert.Empty(t, res.Map)
}

func TestTrackMapStaysInjective(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	evs := []docs.Evidence{ev(1, "D1", 1), ev(2, "D2", 1)}
	res := tr.Track("하나 [1] 둘 [2] 다시 하나 [1].", evs, nil)
	assert.NoError(t, res.Map.CheckInjective())
}
