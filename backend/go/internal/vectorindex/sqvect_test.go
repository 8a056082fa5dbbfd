package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *SQVect {
	t.Helper()
	idx, err := OpenSQVect(context.Background(), filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQVect_UpsertHasDelete(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	has, err := idx.HasEmbedding(ctx, "doc-1-a")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, idx.UpsertEmbedding(ctx, "doc-1-a", []float32{0.1, 0.2, 0.3}))
	has, err = idx.HasEmbedding(ctx, "doc-1-a")
	require.NoError(t, err)
	assert.True(t, has)

	// replacing keeps a single entry
	require.NoError(t, idx.UpsertEmbedding(ctx, "doc-1-a", []float32{0.3, 0.2, 0.1}))
	has, err = idx.HasEmbedding(ctx, "doc-1-a")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, idx.DeleteEmbedding(ctx, "doc-1-a"))
	has, err = idx.HasEmbedding(ctx, "doc-1-a")
	require.NoError(t, err)
	assert.False(t, has)

	assert.NoError(t, idx.DeleteEmbedding(ctx, "doc-1-a"), "deleting twice is fine")
}

func TestSQVect_RejectsEmptyInput(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	assert.ErrorIs(t, idx.UpsertEmbedding(ctx, "", []float32{1}), ErrInvalidVector)
	assert.ErrorIs(t, idx.UpsertEmbedding(ctx, "doc-1-a", nil), ErrInvalidVector)
}

func TestSQVect_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	idx, err := OpenSQVect(ctx, path)
	require.NoError(t, err)
	require.NoError(t, idx.UpsertEmbedding(ctx, "doc-1-a", []float32{1, 0, 0}))
	require.NoError(t, idx.Close())

	idx, err = OpenSQVect(ctx, path)
	require.NoError(t, err)
	defer idx.Close()
	has, err := idx.HasEmbedding(ctx, "doc-1-a")
	require.NoError(t, err)
	assert.True(t, has)
}
