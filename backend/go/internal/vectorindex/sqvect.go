package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"procurement-kb/backend/go/pkg/logger"

	"github.com/liliang-cn/sqvect/v2/pkg/core"
)

// SQVect is a file-backed Index built on sqvect's SQLite store.
type SQVect struct {
	store *core.SQLiteStore
	path  string
	log   *logger.Logger
}

var _ Index = (*SQVect)(nil)

// OpenSQVect opens (creating if needed) the vector file at path.
// The vector dimension is taken from the first upserted vector.
func OpenSQVect(ctx context.Context, path string) (*SQVect, error) {
	store, err := core.New(path, 0)
	if err != nil {
		return nil, fmt.Errorf("open sqvect store %s: %w", path, err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init sqvect store %s: %w", path, err)
	}
	log := logger.New("vectorindex").WithField("backend", "sqvect")
	log.WithField("path", path).Info("vector index opened")
	return &SQVect{store: store, path: path, log: log}, nil
}

// HasEmbedding implements Index.
func (s *SQVect) HasEmbedding(ctx context.Context, id string) (bool, error) {
	_, err := s.store.GetByID(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("lookup embedding %s: %w", id, err)
	}
}

// UpsertEmbedding implements Index.
func (s *SQVect) UpsertEmbedding(ctx context.Context, id string, vector []float32) error {
	if err := validate(id, vector); err != nil {
		return err
	}
	// fragment text lives in the relational store; only the chunk_id is kept here
	emb := &core.Embedding{ID: id, Vector: vector, Content: id}
	if err := s.store.Upsert(ctx, emb); err != nil {
		return fmt.Errorf("upsert embedding %s: %w", id, err)
	}
	return nil
}

// DeleteEmbedding implements Index.
func (s *SQVect) DeleteEmbedding(ctx context.Context, id string) error {
	err := s.store.Delete(ctx, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("delete embedding %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying database file.
func (s *SQVect) Close() error {
	s.log.Debug("vector index closed")
	return s.store.Close()
}
