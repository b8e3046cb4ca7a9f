// Package indexer incrementally embeds stored conversation content into the
// vector index.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ricordo/pkg/chunker"
	"github.com/go-go-golems/ricordo/pkg/embeddings"
	"github.com/go-go-golems/ricordo/pkg/events"
	"github.com/go-go-golems/ricordo/pkg/store"
	"github.com/go-go-golems/ricordo/pkg/vectorindex"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// ErrDimensionMismatch means the configured embedding model does not match
// the one that built the persisted index. Incremental runs refuse to mix
// vector spaces; call Reset for a full re-index.
var ErrDimensionMismatch = errors.New("embedding model changed since last index run")

// batchSize is the number of source messages processed per durable commit.
// The watermark advances after each commit, so a crash mid-run loses at most
// one batch of work and never duplicates chunks (chunk ids are stable).
const batchSize = 16

// Status is the externally visible indexing state.
type Status struct {
	State         State  `json:"status"`
	IndexedChunks int    `json:"indexed_chunks"`
	LastRunChunks int    `json:"last_run_chunks"`
	LastError     string `json:"last_error,omitempty"`
}

// StartResult reports whether Start actually launched a run.
type StartResult struct {
	Started bool   `json:"started"`
	State   State  `json:"status"`
	Message string `json:"message"`
}

// Service drives incremental indexing. At most one run is in flight at a
// time; starting while running is a no-op that reports current status.
type Service struct {
	store    *store.Store
	chunker  *chunker.Chunker
	provider embeddings.Provider
	index    *vectorindex.Index
	router   *events.Router

	mu            sync.Mutex
	state         State
	lastErr       error
	lastRunChunks int
	cancel        context.CancelFunc
}

func New(st *store.Store, ck *chunker.Chunker, provider embeddings.Provider, ix *vectorindex.Index, router *events.Router) *Service {
	return &Service{
		store:    st,
		chunker:  ck,
		provider: provider,
		index:    ix,
		router:   router,
		state:    StateIdle,
	}
}

// Start launches a background indexing run and returns immediately. If a run
// is already in flight it does not start a second one.
func (s *Service) Start(daysLimit int) StartResult {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return StartResult{Started: false, State: StateRunning, Message: "indexing already in progress"}
	}
	s.state = StateRunning
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		n, err := s.run(ctx, daysLimit)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.lastRunChunks = n
		if err != nil {
			s.state = StateFailed
			s.lastErr = err
			log.Error().Err(err).Msg("indexing run failed")
			return
		}
		s.state = StateIdle
		s.lastErr = nil
	}()

	return StartResult{Started: true, State: StateRunning, Message: "indexing started"}
}

// RunOnce performs a synchronous indexing run (CLI usage and tests). It
// honors the same single-flight rule as Start.
func (s *Service) RunOnce(ctx context.Context, daysLimit int) (int, error) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return 0, errors.New("indexer: already running")
	}
	s.state = StateRunning
	s.mu.Unlock()

	n, err := s.run(ctx, daysLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRunChunks = n
	if err != nil {
		s.state = StateFailed
		s.lastErr = err
		return n, err
	}
	s.state = StateIdle
	s.lastErr = nil
	return n, nil
}

// Stop cancels an in-flight background run, if any.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		State:         s.state,
		IndexedChunks: s.index.Status().IndexedChunks,
		LastRunChunks: s.lastRunChunks,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// Reset drops the vector index and the watermark, forcing the next run to
// rebuild from scratch. Required after an embedding model change.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return errors.New("indexer: cannot reset while running")
	}
	s.mu.Unlock()

	if err := s.index.Reset(ctx); err != nil {
		return err
	}
	return s.store.ResetIndexState(ctx, store.DefaultIndexScope)
}

func (s *Service) run(ctx context.Context, daysLimit int) (int, error) {
	s.publish(events.Event{Type: events.EventIndexingStarted})

	model := s.provider.GetModel()

	state, ok, err := s.store.GetIndexState(ctx, store.DefaultIndexScope)
	if err != nil {
		return 0, err
	}

	var watermark time.Time
	if ok {
		if state.EmbeddingModel != model.Name || state.Dimensions != model.Dimensions {
			err := errors.Wrapf(ErrDimensionMismatch, "index built with %s/%d, configured %s/%d",
				state.EmbeddingModel, state.Dimensions, model.Name, model.Dimensions)
			s.publish(events.Event{Type: events.EventIndexingFailed, Error: err.Error()})
			return 0, err
		}
		watermark = state.Watermark
	}

	var windowStart time.Time
	if daysLimit > 0 {
		windowStart = time.Now().UTC().AddDate(0, 0, -daysLimit)
	}

	rows, err := s.store.ListMessagesForIndexing(ctx, watermark, windowStart)
	if err != nil {
		s.publish(events.Event{Type: events.EventIndexingFailed, Error: err.Error()})
		return 0, err
	}
	if len(rows) == 0 {
		log.Debug().Msg("indexing: no new content")
		s.publish(events.Event{Type: events.EventIndexingCompleted, Chunks: 0})
		return 0, nil
	}

	log.Info().Int("messages", len(rows)).Time("watermark", watermark).Msg("indexing run started")

	total := 0
	for start := 0; start < len(rows); start += batchSize {
		if err := ctx.Err(); err != nil {
			s.publish(events.Event{Type: events.EventIndexingFailed, Error: err.Error()})
			return total, errors.Wrap(err, "indexer: run cancelled")
		}

		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		n, err := s.commitBatch(ctx, batch, model)
		if err != nil {
			s.publish(events.Event{Type: events.EventIndexingFailed, Error: err.Error()})
			return total, err
		}
		total += n

		s.publish(events.Event{Type: events.EventIndexingCommitted, Chunks: n})
	}

	log.Info().Int("chunks", total).Msg("indexing run completed")
	s.publish(events.Event{Type: events.EventIndexingCompleted, Chunks: total})
	return total, nil
}

// commitBatch chunks and embeds one batch of messages, durably upserts the
// resulting chunks, and only then advances the watermark to the newest
// message timestamp in the batch.
func (s *Service) commitBatch(ctx context.Context, batch []store.IndexSourceRow, model embeddings.EmbeddingModel) (int, error) {
	var (
		texts  []string
		chunks []vectorindex.Chunk
	)

	for _, row := range batch {
		spans := s.chunker.Chunk(fmt.Sprintf("[%s]: %s", row.Role, row.Content))
		for i, span := range spans {
			texts = append(texts, span)
			chunks = append(chunks, vectorindex.Chunk{
				// stable id: re-chunking the same message yields the same ids,
				// so re-processing a batch is an update, not a duplicate
				ChunkID: fmt.Sprintf("%s_chunk_%d", row.ID, i),
				Text:    span,
				Metadata: vectorindex.Metadata{
					ParentID:  row.ConversationID,
					ModelName: row.ModelName,
					Timestamp: row.Timestamp,
				},
			})
		}
	}

	if len(chunks) > 0 {
		vectors, err := s.provider.GenerateBatchEmbeddings(ctx, texts)
		if err != nil {
			return 0, errors.Wrap(err, "indexer: embed batch")
		}
		if len(vectors) != len(chunks) {
			return 0, errors.Errorf("indexer: expected %d vectors, got %d", len(chunks), len(vectors))
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}

		if err := s.index.Upsert(ctx, chunks); err != nil {
			return 0, err
		}
	}

	newest := batch[len(batch)-1].Timestamp
	err := s.store.SaveIndexState(ctx, store.IndexState{
		Scope:          store.DefaultIndexScope,
		Watermark:      newest,
		EmbeddingModel: model.Name,
		Dimensions:     model.Dimensions,
	})
	if err != nil {
		return 0, err
	}

	return len(chunks), nil
}

func (s *Service) publish(e events.Event) {
	if s.router == nil {
		return
	}
	if err := s.router.Publish(events.TopicIndexing, e); err != nil {
		log.Warn().Err(err).Msg("indexer: publish event")
	}
}
