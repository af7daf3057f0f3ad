// Package index binds the query pipeline to its index collaborators: the
// lexical (BM25) engine, the vector index, and the chunk store that
// resolves chunk IDs to full records. All three share chunk_id as the
// common address.
package index

import "context"

// Hit is one ranked result from either index. Rank is 1-based within the
// source that produced it.
type Hit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// LexicalSearcher is the lexical index contract.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, k int, allowedDocIDs []string) ([]Hit, error)
}

// VectorSearcher is the vector index contract.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, k int, allowedDocIDs []string) ([]Hit, error)
}
