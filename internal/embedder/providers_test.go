package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/internal/retry"
	"github.com/dshills/newsrag/pkg/types"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// embeddingServer answers /embeddings requests with vectors whose first
// component is the input index. Returned items are reversed to check
// reordering by index.
func embeddingServer(t *testing.T, calls *atomic.Int32, failFirst int, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if int(n) <= failFirst {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(i), 1, 0}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"model": req.Model, "data": data})
	}))
}

func TestHTTPProvider_Batch(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, 0, 0)
	defer server.Close()

	cache := NewCache(10)
	p, err := NewJinaProvider("test-key", cache, WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)
	for i, emb := range resp.Embeddings {
		assert.Equal(t, float32(i), emb.Vector[0])
		assert.Equal(t, ProviderJina, emb.Provider)
	}
	assert.Equal(t, DefaultJinaModel, resp.Model)

	// Served from cache
	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "b"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, 2, http.StatusServiceUnavailable)
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", nil, WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)

	emb, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, emb.Provider)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_ExhaustsTransient(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, 100, http.StatusTooManyRequests)
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", nil, WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls, 100, http.StatusBadRequest)
	defer server.Close()

	p, err := NewJinaProvider("test-key", nil, WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_AttemptTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	rc := fastRetry()
	rc.MaxAttempts = 2
	rc.AttemptTimeout = 20 * time.Millisecond
	p, err := NewJinaProvider("test-key", nil, WithBaseURL(server.URL), WithRetry(rc))
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "slow"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestHTTPProvider_Validation(t *testing.T) {
	p, err := NewJinaProvider("test-key", nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, ProviderJina, p.Provider())
	assert.Equal(t, JinaDimension, p.Dimension())
	assert.Equal(t, DefaultJinaModel, p.Model())

	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	large := make([]string, MaxBatchSize+1)
	for i := range large {
		large[i] = "text"
	}
	_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: large})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestHTTPProvider_MissingKey(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")

	_, err := NewJinaProvider("", nil)
	assert.ErrorIs(t, err, ErrNoProviderEnabled)
	_, err = NewOpenAIProvider("", nil)
	assert.ErrorIs(t, err, ErrNoProviderEnabled)

	t.Setenv(EnvOpenAIAPIKey, "from-env")
	p, err := NewOpenAIProvider("", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", p.apiKey)
}

func TestOllamaProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i := range req.Input {
			data[i] = item{Object: "embedding", Index: i, Embedding: []float32{float32(i + 1), 0.5}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  "nomic-embed-text",
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider("", NewCache(10), WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"one", "two"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float32{1, 0.5}, resp.Embeddings[0].Vector)
	assert.Equal(t, []float32{2, 0.5}, resp.Embeddings[1].Vector)
	assert.Equal(t, ProviderOllama, resp.Provider)
}
