package embedder

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dshills/newsrag/internal/retry"
)

// LangChainProvider implements Embedder for any OpenAI-compatible embedding
// service reachable through langchaingo, such as a local Ollama server.
type LangChainProvider struct {
	embedder embeddings.Embedder
	opts     options
	cache    *Cache
}

// NewOllamaProvider creates an embedder for an Ollama server's
// OpenAI-compatible endpoint. apiKey may be empty for local services.
func NewOllamaProvider(apiKey string, cache *Cache, opts ...Option) (*LangChainProvider, error) {
	o := buildOptions(DefaultOllamaModel, DefaultOllamaURL, OllamaDimension, "ollama-embedder", opts)

	if apiKey == "" {
		// Local OpenAI-compatible services don't require authentication
		apiKey = "none"
	}

	client, err := openai.New(
		openai.WithBaseURL(o.baseURL),
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(o.model),
		openai.WithHTTPClient(o.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProviderEnabled, err)
	}

	emb, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(MaxBatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProviderEnabled, err)
	}

	return &LangChainProvider{embedder: emb, opts: o, cache: cache}, nil
}

func (p *LangChainProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := checkText(req.Text); err != nil {
		return nil, err
	}

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (p *LangChainProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := checkBatch(req.Texts, MaxBatchSize); err != nil {
		return nil, err
	}

	p.opts.logger.Debug("generating embeddings", "count", len(req.Texts))

	const op = "ollama.embed"
	result, err := cachedBatch(p.cache, ProviderOllama, p.opts.model, req.Texts, func(missing []string) ([][]float32, error) {
		return retry.Do(ctx, p.opts.retry, op, func(ctx context.Context) ([][]float32, error) {
			if p.opts.limiter != nil {
				if err := p.opts.limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}
			vectors, err := p.embedder.EmbedDocuments(ctx, missing)
			if err != nil {
				return nil, retry.Network(ctx, op, err)
			}
			return vectors, nil
		})
	})
	if err != nil {
		p.opts.logger.Error("failed to generate embeddings", "count", len(req.Texts), "err", err)
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	return &BatchEmbeddingResponse{
		Embeddings: result,
		Provider:   ProviderOllama,
		Model:      p.opts.model,
	}, nil
}

func (p *LangChainProvider) Dimension() int {
	return p.opts.dimension
}

func (p *LangChainProvider) Provider() string {
	return ProviderOllama
}

func (p *LangChainProvider) Model() string {
	return p.opts.model
}

func (p *LangChainProvider) Close() error {
	return nil
}
