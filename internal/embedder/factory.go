package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dshills/newsrag/internal/retry"
)

// Environment variables consulted for provider credentials
const (
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvProvider     = "NEWSRAG_EMBEDDING_PROVIDER"
)

// Config holds embedder configuration
type Config struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimension  int
	CacheSize  int
	Timeout    time.Duration // per-attempt timeout
	Retry      retry.Config
	RatePerSec float64
	Logger     *slog.Logger
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	rc := cfg.Retry
	if rc.MaxAttempts == 0 {
		rc = retry.Default()
	}
	if cfg.Timeout > 0 {
		rc.AttemptTimeout = cfg.Timeout
	}

	opts := []Option{
		WithModel(cfg.Model),
		WithBaseURL(cfg.BaseURL),
		WithDimension(cfg.Dimension),
		WithRetry(rc),
		WithRateLimit(cfg.RatePerSec),
	}
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderJina:
		return NewJinaProvider(cfg.APIKey, cache, opts...)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cache, opts...)
	case ProviderOllama:
		return NewOllamaProvider(cfg.APIKey, cache, opts...)
	case ProviderLocal, "":
		return NewLocalProvider(cache, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider returns the provider that would be used based on current environment
func DetectProvider() string {
	provider := os.Getenv(EnvProvider)
	if provider != "" {
		return strings.ToLower(provider)
	}

	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}

	return ProviderLocal
}
