package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/newsrag/internal/retry"
	"github.com/dshills/newsrag/pkg/types"
)

const (
	DefaultJinaModel = "jina-reranker-v2-base-multilingual"
	DefaultJinaURL   = "https://api.jina.ai/v1/rerank"
)

// Jina calls the Jina AI rerank endpoint
type Jina struct {
	apiKey     string
	model      string
	baseURL    string
	retry      retry.Config
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Jina reranker
type Option func(*Jina)

// WithModel overrides the model
func WithModel(model string) Option {
	return func(j *Jina) { j.model = model }
}

// WithBaseURL overrides the endpoint
func WithBaseURL(url string) Option {
	return func(j *Jina) { j.baseURL = url }
}

// WithRetry sets the retry policy
func WithRetry(cfg retry.Config) Option {
	return func(j *Jina) { j.retry = cfg }
}

// WithRateLimit throttles requests to perSecond
func WithRateLimit(perSecond float64) Option {
	return func(j *Jina) {
		if perSecond > 0 {
			j.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(j *Jina) { j.logger = logger }
}

// NewJina creates a Jina reranker. An empty apiKey falls back to
// JINA_API_KEY.
func NewJina(apiKey string, opts ...Option) (*Jina, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvJinaAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProvider, EnvJinaAPIKey)
	}

	j := &Jina{
		apiKey:     apiKey,
		model:      DefaultJinaModel,
		baseURL:    DefaultJinaURL,
		retry:      retry.Default(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "jina-reranker")
	return j, nil
}

func (j *Jina) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	scores, err := retry.Do(ctx, j.retry, "jina.rerank", func(ctx context.Context) ([]float64, error) {
		return j.callAPI(ctx, query, passages)
	})
	if err != nil {
		j.logger.Warn("rerank failed", "passages", len(passages), "err", err)
		return nil, err
	}
	return scores, nil
}

func (j *Jina) callAPI(ctx context.Context, query string, passages []string) ([]float64, error) {
	const op = "jina.rerank"
	if j.limiter != nil {
		if err := j.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":            j.model,
		"query":            query,
		"documents":        passages,
		"top_n":            len(passages),
		"return_documents": false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
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
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, types.Transient(op, fmt.Errorf("decode response: %w", err))
	}

	if len(apiResp.Results) != len(passages) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(apiResp.Results), len(passages))
	}

	// Results come back sorted by relevance; map them to input order
	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, r := range apiResp.Results {
		if r.Index < 0 || r.Index >= len(passages) || seen[r.Index] {
			return nil, fmt.Errorf("%w: bad result index %d", ErrCountMismatch, r.Index)
		}
		seen[r.Index] = true
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}

func (j *Jina) Model() string {
	return j.model
}
