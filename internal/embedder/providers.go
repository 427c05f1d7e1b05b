package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/newsrag/internal/lexical"
	"github.com/dshills/newsrag/internal/retry"
	"github.com/dshills/newsrag/pkg/types"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultLocalModel  = "local-hashing-v1"

	// Default endpoints
	DefaultJinaURL   = "https://api.jina.ai/v1/embeddings"
	DefaultOpenAIURL = "https://api.openai.com/v1/embeddings"
	DefaultOllamaURL = "http://localhost:11434/v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	OllamaDimension = 768
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 20
	MaxBatchSize     = 100
)

// options collects the optional settings shared by all providers
type options struct {
	model      string
	baseURL    string
	dimension  int
	retry      retry.Config
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a provider
type Option func(*options)

// WithModel overrides the provider's default model
func WithModel(model string) Option {
	return func(o *options) {
		if model != "" {
			o.model = model
		}
	}
}

// WithBaseURL overrides the provider endpoint
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithDimension overrides the reported vector dimension
func WithDimension(dim int) Option {
	return func(o *options) {
		if dim > 0 {
			o.dimension = dim
		}
	}
}

// WithRetry sets the retry policy for remote calls
func WithRetry(cfg retry.Config) Option {
	return func(o *options) { o.retry = cfg }
}

// WithRateLimit throttles outbound requests to perSecond
func WithRateLimit(perSecond float64) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(model, baseURL string, dim int, component string, opts []Option) options {
	o := options{
		model:      model,
		baseURL:    baseURL,
		dimension:  dim,
		retry:      retry.Default(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", component)
	return o
}

// HTTPProvider implements Embedder against an OpenAI-style /embeddings
// endpoint. Both Jina and OpenAI speak this format.
type HTTPProvider struct {
	name   string
	apiKey string
	opts   options
	cache  *Cache
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(apiKey string, cache *Cache, opts ...Option) (*HTTPProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvJinaAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	return &HTTPProvider{
		name:   ProviderJina,
		apiKey: apiKey,
		opts:   buildOptions(DefaultJinaModel, DefaultJinaURL, JinaDimension, "jina-embedder", opts),
		cache:  cache,
	}, nil
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(apiKey string, cache *Cache, opts ...Option) (*HTTPProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvOpenAIAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	return &HTTPProvider{
		name:   ProviderOpenAI,
		apiKey: apiKey,
		opts:   buildOptions(DefaultOpenAIModel, DefaultOpenAIURL, OpenAIDimension, "openai-embedder", opts),
		cache:  cache,
	}, nil
}

func (p *HTTPProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := checkText(req.Text); err != nil {
		return nil, err
	}

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{
		Texts: []string{req.Text},
		Model: req.Model,
	})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (p *HTTPProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := checkBatch(req.Texts, MaxBatchSize); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.opts.model
	}

	op := p.name + ".embed"
	embeddings, err := cachedBatch(p.cache, p.name, model, req.Texts, func(missing []string) ([][]float32, error) {
		return retry.Do(ctx, p.opts.retry, op, func(ctx context.Context) ([][]float32, error) {
			return p.callAPI(ctx, missing, model)
		})
	})
	if err != nil {
		p.opts.logger.Warn("embedding batch failed", "count", len(req.Texts), "err", err)
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      model,
	}, nil
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string, model string) ([][]float32, error) {
	op := p.name + ".embed"
	if p.opts.limiter != nil {
		if err := p.opts.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"input": texts,
		"model": model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.opts.httpClient.Do(req)
	if err != nil {
		return nil, retry.Network(ctx, op, fmt.Errorf("api call: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, retry.HTTPStatus(op, resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, types.Transient(op, fmt.Errorf("decode response: %w", err))
	}

	// The API may return items out of order
	sort.SliceStable(apiResp.Data, func(i, j int) bool {
		return apiResp.Data[i].Index < apiResp.Data[j].Index
	})

	vectors := make([][]float32, len(apiResp.Data))
	for i, data := range apiResp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (p *HTTPProvider) Dimension() int {
	return p.opts.dimension
}

func (p *HTTPProvider) Provider() string {
	return p.name
}

func (p *HTTPProvider) Model() string {
	return p.opts.model
}

func (p *HTTPProvider) Close() error {
	p.opts.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider is an offline embedder based on feature hashing of lexical
// terms and adjacent term pairs. Texts sharing vocabulary land close
// together, which is enough for development and tests.
type LocalProvider struct {
	model     string
	dimension int
	cache     *Cache
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider(cache *Cache, opts ...Option) (*LocalProvider, error) {
	o := buildOptions(DefaultLocalModel, "", LocalDimension, "local-embedder", opts)
	return &LocalProvider{
		model:     o.model,
		dimension: o.dimension,
		cache:     cache,
	}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := checkText(req.Text); err != nil {
		return nil, err
	}

	resp, err := l.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := checkBatch(req.Texts, 0); err != nil {
		return nil, err
	}

	embeddings, err := cachedBatch(l.cache, ProviderLocal, l.model, req.Texts, func(missing []string) ([][]float32, error) {
		out := make([][]float32, len(missing))
		for i, text := range missing {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out[i] = l.embed(text)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

// embed hashes each term and term pair into a signed bucket, then
// normalizes to unit length
func (l *LocalProvider) embed(text string) []float32 {
	vector := make([]float32, l.dimension)
	terms := lexical.Tokenize(text)

	add := func(feature string, weight float32) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(l.dimension))
		if sum>>63 == 1 {
			weight = -weight
		}
		vector[idx] += weight
	}

	for i, term := range terms {
		add(term, 1)
		if i > 0 {
			add(terms[i-1]+" "+term, 0.5)
		}
	}
	return NormalizeVector(vector)
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
