package embeddings

import (
	"context"
)

// DefaultGenerateBatchEmbeddings implements batch generation by calling
// GenerateEmbedding for each text sequentially. Providers without native
// batch support can delegate to it.
func DefaultGenerateBatchEmbeddings(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = embedding
	}
	return results, nil
}
