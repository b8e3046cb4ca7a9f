// Package rag answers a natural-language query from the vector index and an
// AI-generated summary of the retrieved excerpts.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ricordo/pkg/embeddings"
	"github.com/go-go-golems/ricordo/pkg/vectorindex"
)

// ErrUpstream is returned when the embedding provider or the summarizer is
// unavailable.
var ErrUpstream = errors.New("upstream provider unavailable")

// NoMatchSummary is returned verbatim when the index holds nothing relevant.
const NoMatchSummary = "No relevant conversation history was found for this query."

// Summarizer condenses retrieved excerpts into a short answer to the query.
type Summarizer interface {
	Summarize(ctx context.Context, query string, excerpts []string) (string, error)
}

// Source is one retrieved chunk mapped into the search response.
type Source struct {
	Text           string               `json:"text"`
	Metadata       vectorindex.Metadata `json:"metadata"`
	RelevanceScore float64              `json:"relevance_score"`
}

// Result is the full retrieval + summary answer.
type Result struct {
	Query   string   `json:"query"`
	Summary string   `json:"summary"`
	Sources []Source `json:"sources"`
}

// SearchService embeds the query, searches the index and summarizes the hits.
type SearchService struct {
	provider   embeddings.Provider
	index      *vectorindex.Index
	summarizer Summarizer
}

func NewSearchService(provider embeddings.Provider, index *vectorindex.Index, summarizer Summarizer) *SearchService {
	return &SearchService{
		provider:   provider,
		index:      index,
		summarizer: summarizer,
	}
}

// Search never fails on an empty index; it returns an empty source list and
// an explanatory summary instead.
func (s *SearchService) Search(ctx context.Context, query string, topK int) (*Result, error) {
	queryEmbedding, err := s.provider.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(ErrUpstream, "embed query: %v", err)
	}

	hits := s.index.Search(queryEmbedding, topK)
	if len(hits) == 0 {
		return &Result{
			Query:   query,
			Summary: NoMatchSummary,
			Sources: []Source{},
		}, nil
	}

	sources := make([]Source, 0, len(hits))
	excerpts := make([]string, 0, len(hits))
	for i, hit := range hits {
		sources = append(sources, Source{
			Text:           hit.Text,
			Metadata:       hit.Metadata,
			RelevanceScore: hit.Score,
		})
		excerpts = append(excerpts, fmt.Sprintf("Excerpt %d:\n%s", i+1, hit.Text))
	}

	summary, err := s.summarizer.Summarize(ctx, query, excerpts)
	if err != nil {
		return nil, errors.Wrapf(ErrUpstream, "summarize: %v", err)
	}

	log.Debug().
		Str("query", query).
		Int("sources", len(sources)).
		Msg("retrieval search answered")

	return &Result{
		Query:   query,
		Summary: strings.TrimSpace(summary),
		Sources: sources,
	}, nil
}
