package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/dshills/newsrag/internal/retry"
	"github.com/dshills/newsrag/pkg/types"
)

// DefaultUserAgent identifies outbound feed and page requests
const DefaultUserAgent = "Mozilla/5.0 (compatible; NewsragBot/1.0)"

// maxBodyBytes caps a fetched feed or page
const maxBodyBytes = 10 << 20

// RawItem is one entry of a polled feed
type RawItem struct {
	Title        string
	Link         string
	GUID         string
	PublishedAt  *time.Time
	PublishedRaw string
	Summary      string
	Content      string
}

// SourceURL is the identity of the item within its feed
func (it RawItem) SourceURL() string {
	if it.Link != "" {
		return it.Link
	}
	return it.GUID
}

// FeedSource yields the items of a feed. A fetch or parse failure is yielded
// once as an error and ends the sequence.
type FeedSource interface {
	Items(ctx context.Context, feed *types.Feed) iter.Seq2[RawItem, error]
}

// SourceOption configures an HTTP-backed source or extractor
type SourceOption func(*httpOptions)

type httpOptions struct {
	userAgent string
	timeout   time.Duration
	limiter   *rate.Limiter
	client    *http.Client
	retry     retry.Config
	logger    *slog.Logger
}

func defaultHTTPOptions() httpOptions {
	return httpOptions{
		userAgent: DefaultUserAgent,
		timeout:   30 * time.Second,
		retry:     retry.Default(),
		logger:    slog.Default(),
	}
}

func buildHTTPOptions(component string, opts []SourceOption) httpOptions {
	o := defaultHTTPOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: o.timeout}
	}
	o.logger = o.logger.With("component", component)
	return o
}

// get fetches url through the limiter. 429 and 5xx responses and transport
// failures are transient, other 4xx responses are content errors.
func (o *httpOptions) get(ctx context.Context, op, url string) ([]byte, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.Content(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, retry.Network(ctx, op, fmt.Errorf("get %s: %w", url, err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := retry.HTTPStatus(op, resp.StatusCode, resp.Status)
		if !types.IsRetryable(err) {
			return nil, types.Content(op, fmt.Errorf("get %s: %w", url, err))
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, retry.Network(ctx, op, fmt.Errorf("read %s: %w", url, err))
	}
	return body, nil
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) SourceOption {
	return func(o *httpOptions) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

// WithFetchTimeout bounds each HTTP request
func WithFetchTimeout(d time.Duration) SourceOption {
	return func(o *httpOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithFetchRate throttles requests to perSecond
func WithFetchRate(perSecond float64) SourceOption {
	return func(o *httpOptions) {
		if perSecond > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(c *http.Client) SourceOption {
	return func(o *httpOptions) { o.client = c }
}

// WithFetchRetry sets the retry policy for fetches
func WithFetchRetry(cfg retry.Config) SourceOption {
	return func(o *httpOptions) { o.retry = cfg }
}

// WithSourceLogger sets the logger
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(o *httpOptions) { o.logger = logger }
}

// GoFeedSource parses RSS, Atom and JSON feeds with gofeed
type GoFeedSource struct {
	opts httpOptions
}

// NewGoFeedSource creates a feed source
func NewGoFeedSource(opts ...SourceOption) *GoFeedSource {
	return &GoFeedSource{opts: buildHTTPOptions("feed-source", opts)}
}

// Items fetches and parses the feed, yielding its entries in feed order
func (s *GoFeedSource) Items(ctx context.Context, feed *types.Feed) iter.Seq2[RawItem, error] {
	return func(yield func(RawItem, error) bool) {
		parsed, err := s.fetch(ctx, feed.URL)
		if err != nil {
			yield(RawItem{}, err)
			return
		}

		s.opts.logger.Debug("feed parsed", "feed_id", feed.ID, "items", len(parsed.Items))
		for _, item := range parsed.Items {
			if item == nil {
				continue
			}
			if !yield(toRawItem(item), nil) {
				return
			}
		}
	}
}

func (s *GoFeedSource) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	const op = "feed.fetch"
	body, err := retry.Do(ctx, s.opts.retry, op, func(ctx context.Context) ([]byte, error) {
		return s.opts.get(ctx, op, url)
	})
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, types.Content(op, fmt.Errorf("parse %s: %w", url, err))
	}
	return parsed, nil
}

func toRawItem(item *gofeed.Item) RawItem {
	raw := RawItem{
		Title:   strings.TrimSpace(item.Title),
		Link:    strings.TrimSpace(item.Link),
		GUID:    strings.TrimSpace(item.GUID),
		Summary: strings.TrimSpace(item.Description),
		Content: strings.TrimSpace(item.Content),
	}

	switch {
	case item.PublishedParsed != nil:
		raw.PublishedAt = item.PublishedParsed
		raw.PublishedRaw = item.Published
	case item.UpdatedParsed != nil:
		raw.PublishedAt = item.UpdatedParsed
		raw.PublishedRaw = item.Updated
	default:
		raw.PublishedRaw = item.Published
	}
	return raw
}
