package storage

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/pkg/types"
)

func TestSerializeVector_RoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, math.MaxFloat32}
	blob := serializeVector(in)
	assert.Len(t, blob, 16)
	assert.Equal(t, in, deserializeVector(blob))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 0}))
}

func TestQueryVectors(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.CreateDocument(ctx, newDocument("d1", "f1", "https://example.com/1")))
	require.NoError(t, storage.CreateDocument(ctx, newDocument("d2", "f1", "https://example.com/2")))

	d1 := newChunks("d1", "h", "east", "north")
	d2 := newChunks("d2", "h", "northeast")
	require.NoError(t, storage.UpsertChunks(ctx, "d1", withVectors(d1, []float32{1, 0}, []float32{0, 1}), "m"))
	require.NoError(t, storage.UpsertChunks(ctx, "d2", withVectors(d2, []float32{1, 1}), "m"))

	hits, err := storage.QueryVectors(ctx, []float32{1, 0.1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, d1[0].ID, hits[0].ChunkID)
	assert.Equal(t, d2[0].ID, hits[1].ChunkID)
	assert.Equal(t, d1[1].ID, hits[2].ChunkID)
	assert.Equal(t, "d1", hits[0].DocumentID)
	assert.LessOrEqual(t, hits[0].Distance, hits[1].Distance)

	hits, err = storage.QueryVectors(ctx, []float32{1, 0.1}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = storage.QueryVectors(ctx, []float32{1, 0.1}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = storage.QueryVectors(ctx, nil, 5)
	assert.Error(t, err)
}

func TestQueryVectors_SkipsMismatchedDimensions(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.CreateDocument(ctx, newDocument("d1", "f1", "https://example.com/1")))
	require.NoError(t, storage.UpsertChunks(ctx, "d1", withVectors(newChunks("d1", "h", "x"), []float32{1, 0, 0}), "m"))

	hits, err := storage.QueryVectors(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQueryVectors_TiesByChunkID(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, storage.CreateDocument(ctx, newDocument(id, "f1", "https://example.com/"+id)))
		require.NoError(t, storage.UpsertChunks(ctx, id, withVectors(newChunks(id, "h", "same"), []float32{1, 0}), "m"))
	}

	hits, err := storage.QueryVectors(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, types.ChunkID("a", "h", 0), hits[0].ChunkID)
	assert.Equal(t, types.ChunkID("b", "h", 0), hits[1].ChunkID)
	assert.Equal(t, types.ChunkID("c", "h", 0), hits[2].ChunkID)
}

func BenchmarkQueryVectors(b *testing.B) {
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(b, err)
	defer func() { _ = storage.Close() }()
	ctx := context.Background()

	const dim = 64
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("d%03d", i)
		require.NoError(b, storage.CreateDocument(ctx, newDocument(id, "f1", "https://example.com/"+id)))
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32((i*31+j*7)%17) / 17
		}
		require.NoError(b, storage.UpsertChunks(ctx, id, withVectors(newChunks(id, "h", "text"), vec), "m"))
	}

	query := make([]float32, dim)
	for j := range query {
		query[j] = float32(j%5) / 5
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := storage.QueryVectors(ctx, query, 20); err != nil {
			b.Fatal(err)
		}
	}
}
