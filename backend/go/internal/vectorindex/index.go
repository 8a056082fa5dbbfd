// Package vectorindex defines the external index that holds fragment vectors.
//
// Entries are addressed by chunk_id. The index alone decides which fragments
// still need a vector; the relational store keeps no vectors or sync flags.
package vectorindex

import (
	"context"
	"errors"
)

// ErrInvalidVector is returned for empty vectors or empty ids.
var ErrInvalidVector = errors.New("vectorindex: invalid vector")

// Index is the subset of a similarity index the knowledge base relies on.
type Index interface {
	// HasEmbedding reports whether a vector is stored for the fragment.
	HasEmbedding(ctx context.Context, id string) (bool, error)
	// UpsertEmbedding writes or replaces the fragment's vector.
	UpsertEmbedding(ctx context.Context, id string, vector []float32) error
	// DeleteEmbedding removes the fragment's vector. Deleting an absent id is not an error.
	DeleteEmbedding(ctx context.Context, id string) error
}

func validate(id string, vector []float32) error {
	if id == "" {
		return errors.Join(ErrInvalidVector, errors.New("empty id"))
	}
	if len(vector) == 0 {
		return errors.Join(ErrInvalidVector, errors.New("empty vector for "+id))
	}
	return nil
}
