package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// DefaultIndexScope is the scope used when the indexer runs over every model.
const DefaultIndexScope = "all"

// GetIndexState loads the persisted watermark for a scope. The second return
// value is false when no indexing run has ever committed for that scope.
func (s *Store) GetIndexState(ctx context.Context, scope string) (*IndexState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT scope, watermark, embedding_model, dimensions, updated_at
		 FROM index_state WHERE scope = ?`, scope)

	var (
		state     IndexState
		watermark string
		updated   string
	)
	err := row.Scan(&state.Scope, &watermark, &state.EmbeddingModel, &state.Dimensions, &updated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "store: get index state")
	}

	state.Watermark, err = time.Parse(timeLayout, watermark)
	if err != nil {
		return nil, false, errors.Wrap(err, "store: parse watermark")
	}
	state.UpdatedAt, err = time.Parse(timeLayout, updated)
	if err != nil {
		return nil, false, errors.Wrap(err, "store: parse index state update time")
	}
	return &state, true, nil
}

// SaveIndexState upserts the watermark for a scope. The watermark is
// monotonic: an attempt to move it backwards is rejected so a stale run can
// never undo committed progress.
func (s *Store) SaveIndexState(ctx context.Context, state IndexState) error {
	current, ok, err := s.GetIndexState(ctx, state.Scope)
	if err != nil {
		return err
	}
	if ok && state.Watermark.Before(current.Watermark) {
		return errors.Errorf("store: watermark regression for scope %s (%s -> %s)",
			state.Scope, current.Watermark.Format(timeLayout), state.Watermark.Format(timeLayout))
	}

	state.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO index_state (scope, watermark, embedding_model, dimensions, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE SET
		    watermark = excluded.watermark,
		    embedding_model = excluded.embedding_model,
		    dimensions = excluded.dimensions,
		    updated_at = excluded.updated_at`,
		state.Scope, state.Watermark.UTC().Format(timeLayout),
		state.EmbeddingModel, state.Dimensions, state.UpdatedAt.Format(timeLayout))
	return errors.Wrap(err, "store: save index state")
}

// ResetIndexState removes the watermark for a scope, forcing the next run to
// re-process everything. Used for a full re-index after an embedding model
// change.
func (s *Store) ResetIndexState(ctx context.Context, scope string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_state WHERE scope = ?`, scope)
	return errors.Wrap(err, "store: reset index state")
}
