// Package reranker scores (query, passage) pairs with a cross-encoder style
// relevance model.
package reranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dshills/newsrag/internal/retry"
)

// Provider names
const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderJina  = "jina"

	EnvJinaAPIKey = "JINA_API_KEY"
)

// Common errors
var (
	ErrNoProvider    = errors.New("no reranker configured")
	ErrUnknown       = errors.New("unknown reranker provider")
	ErrCountMismatch = errors.New("score count does not match passage count")
)

// Reranker scores passages against a query. Scores are returned in input
// order; higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
	Model() string
}

// Config selects and configures a reranker
type Config struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration // per-attempt timeout
	Retry      retry.Config
	RatePerSec float64
	Logger     *slog.Logger
}

// New builds the configured reranker. Provider "none" returns ErrNoProvider
// so callers can run without reranking.
func New(cfg Config) (Reranker, error) {
	rc := cfg.Retry
	if rc.MaxAttempts == 0 {
		rc = retry.Default()
	}
	if cfg.Timeout > 0 {
		rc.AttemptTimeout = cfg.Timeout
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderNone, "":
		return nil, ErrNoProvider
	case ProviderLocal:
		return NewLocal(), nil
	case ProviderJina:
		opts := []Option{WithRetry(rc), WithRateLimit(cfg.RatePerSec)}
		if cfg.Model != "" {
			opts = append(opts, WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		if cfg.Logger != nil {
			opts = append(opts, WithLogger(cfg.Logger))
		}
		return NewJina(cfg.APIKey, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknown, cfg.Provider)
	}
}
