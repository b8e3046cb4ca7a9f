// Package vectorindex stores chunk embeddings and serves nearest-neighbor
// queries by cosine similarity.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const chunkSchemaV1 = `
CREATE TABLE IF NOT EXISTS index_chunks (
    chunk_id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    embedding BLOB NOT NULL,
    parent_id TEXT NOT NULL,
    model_name TEXT NOT NULL,
    timestamp TEXT NOT NULL
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Metadata travels with every chunk and comes back with search results.
type Metadata struct {
	ParentID  string    `json:"parent_id"`
	ModelName string    `json:"model_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Chunk is one indexed span of conversation text. Chunks are immutable;
// re-embedding replaces them wholesale under the same chunk id.
type Chunk struct {
	ChunkID   string    `json:"chunk_id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Metadata  Metadata  `json:"metadata"`
}

// SearchResult is one nearest-neighbor hit.
type SearchResult struct {
	ChunkID  string   `json:"chunk_id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	Score    float64  `json:"score"`
}

// Status reports how much content the index currently holds.
type Status struct {
	IndexedChunks int `json:"indexed_chunks"`
}

// Index is a brute-force cosine-similarity store. All chunks live in memory
// behind an RWMutex; every upsert is written through to sqlite inside a
// transaction, so a batch is durable before the caller's watermark advances.
// Readers observe either the pre- or post-upsert state of a chunk, never a
// partial write.
type Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	chunks map[string]Chunk
}

// New creates the snapshot table if needed and returns an empty index.
// Call Load to hydrate it from a previous snapshot.
func New(db *sql.DB) (*Index, error) {
	if _, err := db.Exec(chunkSchemaV1); err != nil {
		return nil, errors.Wrap(err, "vectorindex: migrate schema")
	}
	return &Index{
		db:     db,
		chunks: map[string]Chunk{},
	}, nil
}

// Upsert durably stores the chunks, replacing any existing entries with the
// same chunk id. Either the whole batch commits or none of it does.
func (ix *Index) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "vectorindex: begin upsert")
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO index_chunks (chunk_id, text, embedding, parent_id, model_name, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (chunk_id) DO UPDATE SET
			    text = excluded.text,
			    embedding = excluded.embedding,
			    parent_id = excluded.parent_id,
			    model_name = excluded.model_name,
			    timestamp = excluded.timestamp`,
			c.ChunkID, c.Text, encodeEmbedding(c.Embedding),
			c.Metadata.ParentID, c.Metadata.ModelName,
			c.Metadata.Timestamp.UTC().Format(timeLayout))
		if err != nil {
			return errors.Wrapf(err, "vectorindex: upsert chunk %s", c.ChunkID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "vectorindex: commit upsert")
	}

	ix.mu.Lock()
	for _, c := range chunks {
		ix.chunks[c.ChunkID] = c
	}
	ix.mu.Unlock()

	return nil
}

// Search returns up to topK chunks ordered by descending cosine similarity.
// Ties are broken by most-recent chunk timestamp.
func (ix *Index) Search(queryEmbedding []float32, topK int) []SearchResult {
	if topK <= 0 {
		topK = 5
	}

	ix.mu.RLock()
	results := make([]SearchResult, 0, len(ix.chunks))
	for _, c := range ix.chunks {
		results = append(results, SearchResult{
			ChunkID:  c.ChunkID,
			Text:     c.Text,
			Metadata: c.Metadata,
			Score:    cosineSimilarity(queryEmbedding, c.Embedding),
		})
	}
	ix.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Metadata.Timestamp.After(results[j].Metadata.Timestamp)
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func (ix *Index) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Status{IndexedChunks: len(ix.chunks)}
}

// Load hydrates the in-memory index from the sqlite snapshot.
func (ix *Index) Load(ctx context.Context) error {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT chunk_id, text, embedding, parent_id, model_name, timestamp FROM index_chunks`)
	if err != nil {
		return errors.Wrap(err, "vectorindex: load snapshot")
	}
	defer func() { _ = rows.Close() }()

	loaded := map[string]Chunk{}
	for rows.Next() {
		var (
			c    Chunk
			blob []byte
			ts   string
		)
		if err := rows.Scan(&c.ChunkID, &c.Text, &blob,
			&c.Metadata.ParentID, &c.Metadata.ModelName, &ts); err != nil {
			return errors.Wrap(err, "vectorindex: scan chunk")
		}
		c.Embedding, err = decodeEmbedding(blob)
		if err != nil {
			return errors.Wrapf(err, "vectorindex: chunk %s", c.ChunkID)
		}
		c.Metadata.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return errors.Wrapf(err, "vectorindex: chunk %s timestamp", c.ChunkID)
		}
		loaded[c.ChunkID] = c
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "vectorindex: load snapshot")
	}

	ix.mu.Lock()
	ix.chunks = loaded
	ix.mu.Unlock()

	log.Debug().Int("chunks", len(loaded)).Msg("vector index snapshot loaded")
	return nil
}

// Persist rewrites the full sqlite snapshot from memory. Upserts already
// write through, so this is only needed after bulk in-memory changes.
func (ix *Index) Persist(ctx context.Context) error {
	ix.mu.RLock()
	chunks := make([]Chunk, 0, len(ix.chunks))
	for _, c := range ix.chunks {
		chunks = append(chunks, c)
	}
	ix.mu.RUnlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "vectorindex: begin persist")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_chunks`); err != nil {
		return errors.Wrap(err, "vectorindex: clear snapshot")
	}
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO index_chunks (chunk_id, text, embedding, parent_id, model_name, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ChunkID, c.Text, encodeEmbedding(c.Embedding),
			c.Metadata.ParentID, c.Metadata.ModelName,
			c.Metadata.Timestamp.UTC().Format(timeLayout))
		if err != nil {
			return errors.Wrapf(err, "vectorindex: persist chunk %s", c.ChunkID)
		}
	}

	return errors.Wrap(tx.Commit(), "vectorindex: commit persist")
}

// Reset drops every chunk, durably. Used when the embedding model changes
// and the whole index must be rebuilt.
func (ix *Index) Reset(ctx context.Context) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM index_chunks`); err != nil {
		return errors.Wrap(err, "vectorindex: reset")
	}
	ix.mu.Lock()
	ix.chunks = map[string]Chunk{}
	ix.mu.Unlock()
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.New("malformed embedding blob")
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
