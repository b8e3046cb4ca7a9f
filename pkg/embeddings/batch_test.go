package embeddings

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	calls int
	fail  bool
}

func (s *stubProvider) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("upstream down")
	}
	return []float32{float32(len(text)), 1}, nil
}

func (s *stubProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return DefaultGenerateBatchEmbeddings(ctx, s, texts)
}

func (s *stubProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{Name: "stub", Dimensions: 2}
}

func TestDefaultGenerateBatchEmbeddings(t *testing.T) {
	p := &stubProvider{}
	got, err := DefaultGenerateBatchEmbeddings(context.Background(), p, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float32{1, 1}, got[0])
	assert.Equal(t, []float32{3, 1}, got[2])
	assert.Equal(t, 3, p.calls)
}

func TestDefaultGenerateBatchEmbeddingsPropagatesError(t *testing.T) {
	p := &stubProvider{fail: true}
	_, err := DefaultGenerateBatchEmbeddings(context.Background(), p, []string{"a"})
	assert.Error(t, err)
}
