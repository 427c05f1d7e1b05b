package searcher

import (
	"context"
	"fmt"

	"github.com/dshills/newsrag/internal/embedder"
	"github.com/dshills/newsrag/internal/lexical"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

// Store is the subset of storage.Storage the searcher reads from
type Store interface {
	QueryVectors(ctx context.Context, vector []float32, topN int) ([]storage.VectorHit, error)
	GetChunks(ctx context.Context, ids []string) (map[string]*types.Chunk, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error)
}

// LexicalIndex is the subset of lexical.Index the searcher reads from
type LexicalIndex interface {
	Search(query string, limit int) []lexical.Hit
	Generation() uint64
}

// searchResult holds the outcome of one retrieval leg
type searchResult struct {
	ids []string
	err error
}

// vectorIDs embeds the query and returns the topN nearest live chunk ids.
// Any failure is reported as a dependency outage.
func vectorIDs(ctx context.Context, emb embedder.Embedder, store Store, query string, topN int) ([]string, error) {
	const op = "searcher.vector"

	embedding, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: query})
	if err != nil {
		return nil, types.DependencyUnavailable(op, fmt.Errorf("embed query: %w", err))
	}

	hits, err := store.QueryVectors(ctx, embedding.Vector, topN)
	if err != nil {
		return nil, types.DependencyUnavailable(op, fmt.Errorf("query vectors: %w", err))
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return ids, nil
}

// runVectorSearch executes vector retrieval in a goroutine
func (s *Searcher) runVectorSearch(ctx context.Context, query string, topN int, resultChan chan<- searchResult) {
	var res searchResult
	if s.embedder == nil {
		res.err = types.DependencyUnavailable("searcher.vector", embedder.ErrNoProviderEnabled)
	} else {
		res.ids, res.err = vectorIDs(ctx, s.embedder, s.store, query, topN)
	}
	select {
	case resultChan <- res:
	case <-ctx.Done():
	}
}

// runLexicalSearch executes BM25 retrieval in a goroutine
func (s *Searcher) runLexicalSearch(ctx context.Context, query string, topN int, resultChan chan<- searchResult) {
	hits := s.lexical.Search(query, topN)
	res := searchResult{ids: make([]string, len(hits))}
	for i, h := range hits {
		res.ids[i] = h.ChunkID
	}
	select {
	case resultChan <- res:
	case <-ctx.Done():
	}
}
