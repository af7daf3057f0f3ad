package embeddings

import (
	"context"
	"sync"
	"time"
)

// batcher coalesces concurrent embedding requests into upstream batches.
// A batch is flushed when it reaches maxSize or when the oldest waiting
// request has waited maxWait.
type batcher struct {
	maxSize int
	maxWait time.Duration
	fetch   func(ctx context.Context, texts []string) ([][]float32, error)

	mu      sync.Mutex
	pending []*batchItem
	timer   *time.Timer
}

type batchItem struct {
	text string
	done chan batchResult
}

type batchResult struct {
	vec []float32
	err error
}

func newBatcher(maxSize int, maxWait time.Duration, fetch func(context.Context, []string) ([][]float32, error)) *batcher {
	return &batcher{maxSize: maxSize, maxWait: maxWait, fetch: fetch}
}

// embed queues texts and waits for their vectors. Cancellation of ctx
// abandons the wait; the in-flight upstream call completes and warms the
// cache for later callers.
func (b *batcher) embed(ctx context.Context, texts []string) ([][]float32, error) {
	items := make([]*batchItem, len(texts))
	for i, t := range texts {
		items[i] = &batchItem{text: t, done: make(chan batchResult, 1)}
		b.enqueue(items[i])
	}
	out := make([][]float32, len(texts))
	for i, it := range items {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-it.done:
			if res.err != nil {
				return nil, res.err
			}
			out[i] = res.vec
		}
	}
	return out, nil
}

func (b *batcher) enqueue(it *batchItem) {
	b.mu.Lock()
	b.pending = append(b.pending, it)
	if len(b.pending) >= b.maxSize {
		batch := b.take()
		b.mu.Unlock()
		go b.flush(batch)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.maxWait, func() {
			b.mu.Lock()
			batch := b.take()
			b.mu.Unlock()
			b.flush(batch)
		})
	}
	b.mu.Unlock()
}

// take drains the pending queue; caller holds b.mu.
func (b *batcher) take() []*batchItem {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *batcher) flush(batch []*batchItem) {
	if len(batch) == 0 {
		return
	}
	texts := make([]string, len(batch))
	for i, it := range batch {
		texts[i] = it.text
	}
	// The upstream call is detached from any single caller's context so a
	// cancelled request cannot fail the whole batch.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	vecs, err := b.fetch(ctx, texts)
	for i, it := range batch {
		if err != nil {
			it.done <- batchResult{err: err}
			continue
		}
		it.done <- batchResult{vec: vecs[i]}
	}
}
