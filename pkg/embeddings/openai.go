package embeddings

import (
	"context"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

const defaultBatchSize = 10

// OpenAIProvider generates embeddings through any OpenAI-compatible
// embeddings endpoint (OpenAI itself, DashScope, Moonshot, ...).
type OpenAIProvider struct {
	client     *go_openai.Client
	model      go_openai.EmbeddingModel
	dimensions int
	batchSize  int
	baseURL    string
}

var _ Provider = &OpenAIProvider{}

type OpenAIOption func(*OpenAIProvider)

// WithBaseURL points the provider at a non-OpenAI compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.baseURL = baseURL
	}
}

// WithBatchSize caps how many texts are sent per upstream request.
func WithBatchSize(n int) OpenAIOption {
	return func(p *OpenAIProvider) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func NewOpenAIProvider(apiKey string, model go_openai.EmbeddingModel, dimensions int, options ...OpenAIOption) *OpenAIProvider {
	if model == "" {
		model = go_openai.SmallEmbedding3
	}
	if dimensions <= 0 {
		dimensions = 1536
	}

	p := &OpenAIProvider{
		model:      model,
		dimensions: dimensions,
		batchSize:  defaultBatchSize,
	}
	for _, option := range options {
		option(p)
	}

	config := go_openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		config.BaseURL = p.baseURL
	}
	p.client = go_openai.NewClientWithConfig(config)

	return p
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, go_openai.EmbeddingRequest{
		Input: []string{text},
		Model: p.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "embeddings: create embedding")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// GenerateBatchEmbeddings sends texts in sub-batches of the configured batch
// size so a large indexing run cannot exceed upstream payload limits.
func (p *OpenAIProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := p.client.CreateEmbeddings(ctx, go_openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: p.model,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "embeddings: batch %d-%d", start, end)
		}
		if len(resp.Data) != end-start {
			return nil, errors.Errorf("embeddings: expected %d vectors, got %d", end-start, len(resp.Data))
		}
		for _, d := range resp.Data {
			results = append(results, d.Embedding)
		}
	}

	return results, nil
}

func (p *OpenAIProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{
		Name:       string(p.model),
		Dimensions: p.dimensions,
	}
}
