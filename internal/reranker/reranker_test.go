package reranker

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

func TestLocal_Score(t *testing.T) {
	r := NewLocal()
	scores, err := r.Score(context.Background(), "Acme Series A", []string{
		"Weather is sunny today",
		"Acme raised money",
		"Acme closed its Series A round",
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Zero(t, scores[0])
	assert.Greater(t, scores[1], scores[0])
	assert.Greater(t, scores[2], scores[1])
	assert.Equal(t, LocalModel, r.Model())
}

func TestLocal_EmptyQuery(t *testing.T) {
	scores, err := NewLocal().Score(context.Background(), "  ", []string{"anything"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, scores)
}

func jinaServer(t *testing.T, calls *atomic.Int32, failFirst int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(calls.Add(1)) <= failFirst {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req struct {
			Query     string   `json:"query"`
			Documents []string `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type result struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		}
		// Sorted by relevance: last document most relevant
		results := make([]result, 0, len(req.Documents))
		for i := len(req.Documents) - 1; i >= 0; i-- {
			results = append(results, result{Index: i, RelevanceScore: float64(i) / 10})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
}

func TestJina_Score(t *testing.T) {
	var calls atomic.Int32
	server := jinaServer(t, &calls, 1)
	defer server.Close()

	r, err := NewJina("key", WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)

	scores, err := r.Score(context.Background(), "q", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.1, 0.2}, scores)
	assert.Equal(t, int32(2), calls.Load())
}

func TestJina_Exhausted(t *testing.T) {
	var calls atomic.Int32
	server := jinaServer(t, &calls, 100)
	defer server.Close()

	r, err := NewJina("key", WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = r.Score(context.Background(), "q", []string{"a"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestJina_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":0,"relevance_score":0.5}]}`))
	}))
	defer server.Close()

	r, err := NewJina("key", WithBaseURL(server.URL), WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = r.Score(context.Background(), "q", []string{"a", "b"})
	assert.ErrorIs(t, err, ErrCountMismatch)
}

func TestNew(t *testing.T) {
	_, err := New(Config{Provider: "none"})
	assert.ErrorIs(t, err, ErrNoProvider)

	r, err := New(Config{Provider: "local"})
	require.NoError(t, err)
	assert.Equal(t, LocalModel, r.Model())

	r, err = New(Config{Provider: "jina", APIKey: "k", Model: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", r.Model())

	_, err = New(Config{Provider: "cohere"})
	assert.ErrorIs(t, err, ErrUnknown)

	t.Setenv(EnvJinaAPIKey, "")
	_, err = New(Config{Provider: "jina"})
	assert.ErrorIs(t, err, ErrNoProvider)
}
