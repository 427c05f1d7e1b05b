// Package embedder generates vector embeddings for article chunks and
// queries.
//
// Providers:
//   - jina: Jina AI /v1/embeddings (JINA_API_KEY)
//   - openai: OpenAI /v1/embeddings (OPENAI_API_KEY)
//   - ollama: any OpenAI-compatible server through langchaingo, such as a
//     local Ollama instance
//   - local: offline feature-hashing embedder for development and tests
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "jina", CacheSize: 1000})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: []string{chunk1.Text, chunk2.Text},
//	})
//
// # Caching
//
// Embeddings are cached by SHA-256 of model and text in an LRU cache. A
// batch only sends the texts that miss the cache.
//
// # Errors
//
// Remote calls go through internal/retry. Timeouts, HTTP 429 and 5xx are
// classified as types.ErrTransient and retried with exponential backoff;
// other failures are returned immediately. Every provider failure wraps
// ErrProviderFailed.
package embedder
