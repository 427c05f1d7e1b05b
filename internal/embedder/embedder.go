package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrBatchTooLarge     = errors.New("batch size exceeds limit")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
	ErrCountMismatch     = errors.New("embedding count does not match input count")
)

// Embedding represents a vector embedding with metadata
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // Content hash for caching
}

// EmbeddingRequest represents a request to generate embeddings
type EmbeddingRequest struct {
	Text  string
	Model string // Optional: override default model
}

// BatchEmbeddingRequest represents a batch request
type BatchEmbeddingRequest struct {
	Texts []string
	Model string // Optional: override default model
}

// BatchEmbeddingResponse represents a batch response. Embeddings are in
// the same order as the request texts.
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder interface defines methods for generating embeddings
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts efficiently
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// Cache is an LRU of embedding vectors keyed by model and text
type Cache struct {
	vectors *lru.Cache[string, []float32]
}

// NewCache creates a cache holding up to size vectors (10000 when size <= 0)
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 10000
	}
	vectors, _ := lru.New[string, []float32](size)
	return &Cache{vectors: vectors}
}

// Lookup returns a copy of the cached vector for text under model
func (c *Cache) Lookup(model, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	vec, ok := c.vectors.Get(ComputeHash(model, text))
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Store caches vec for text under model
func (c *Cache) Store(model, text string, vec []float32) {
	if c == nil {
		return
	}
	c.vectors.Add(ComputeHash(model, text), append([]float32(nil), vec...))
}

// Len returns the number of cached vectors
func (c *Cache) Len() int {
	return c.vectors.Len()
}

// Purge empties the cache
func (c *Cache) Purge() {
	c.vectors.Purge()
}

// ComputeHash computes SHA-256 hash of model and text
func ComputeHash(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func checkText(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	return nil
}

// checkBatch rejects empty batches, empty texts and batches over limit
// (no limit when limit <= 0)
func checkBatch(texts []string, limit int) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	if limit > 0 && len(texts) > limit {
		return fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, limit)
	}
	for i, text := range texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}
	return nil
}

// cachedBatch serves what it can from cache and calls fetch with only the
// missing texts. The result keeps input order.
func cachedBatch(cache *Cache, provider, model string, texts []string,
	fetch func(missing []string) ([][]float32, error)) ([]*Embedding, error) {

	out := make([]*Embedding, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vec, ok := cache.Lookup(model, text); ok {
			out[i] = newEmbedding(vec, provider, model, text)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := fetch(missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(vectors), len(missing))
	}

	for j, vec := range vectors {
		cache.Store(model, missing[j], vec)
		out[missingIdx[j]] = newEmbedding(vec, provider, model, missing[j])
	}
	return out, nil
}

func newEmbedding(vec []float32, provider, model, text string) *Embedding {
	return &Embedding{
		Vector:    vec,
		Dimension: len(vec),
		Provider:  provider,
		Model:     model,
		Hash:      ComputeHash(model, text),
	}
}
