package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/internal/config"
	"github.com/dshills/newsrag/internal/filter"
	"github.com/dshills/newsrag/internal/ingestion"
	"github.com/dshills/newsrag/internal/searcher"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

const acmePage = `<html><body><nav>Home | Deals</nav>
<article>
<p>Acme raised $10M Series A led by A16Z.</p>
<p>The company builds AI tools for warehouse robotics and plans to double its engineering team.</p>
</article>
<footer>Copyright</footer></body></html>`

// newsServer serves an RSS feed and the article pages it links to
type newsServer struct {
	*httptest.Server
	mu    sync.Mutex
	items []rssItem
	pages map[string]string
}

type rssItem struct {
	title, path, description string
	published                time.Time
}

func newNewsServer(t *testing.T) *newsServer {
	t.Helper()
	ns := &newsServer{pages: map[string]string{}}
	ns.Server = httptest.NewServer(http.HandlerFunc(ns.handle))
	t.Cleanup(ns.Close)
	return ns
}

func (ns *newsServer) addArticle(title, path, description, page string, published time.Time) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.items = append(ns.items, rssItem{title: title, path: path, description: description, published: published})
	if page != "" {
		ns.pages[path] = page
	}
}

func (ns *newsServer) feedURL() string {
	return ns.URL + "/feed.xml"
}

func (ns *newsServer) handle(w http.ResponseWriter, r *http.Request) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if r.URL.Path == "/feed.xml" {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Deals</title>`)
		for _, it := range ns.items {
			_, _ = fmt.Fprintf(w, `<item><title>%s</title><link>%s%s</link><description>%s</description><pubDate>%s</pubDate></item>`,
				it.title, ns.URL, it.path, it.description, it.published.Format(time.RFC1123Z))
		}
		_, _ = fmt.Fprint(w, `</channel></rss>`)
		return
	}
	page, ok := ns.pages[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, page)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DBPath = ":memory:"
	cfg.Scheduler.Enabled = false
	cfg.Ingestion.DispatchInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Retry.BaseDelay = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Fetch.RatePerSec = 0
	cfg.Fetch.Timeout = config.Duration{Duration: 5 * time.Second}
	return cfg
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := New(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// ingest registers the feed if needed, polls it once and waits for every
// touched document to settle
func ingest(t *testing.T, svc *Service, feedURL string) (*types.Feed, map[string]*types.Document) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed, err := svc.GetFeedByURL(ctx, feedURL)
	if err != nil {
		feed, err = svc.RegisterFeed(ctx, RegisterFeedRequest{URL: feedURL})
		require.NoError(t, err)
	}
	run, err := svc.TriggerIngestion(ctx, feed.ID)
	require.NoError(t, err)
	result, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Empty(t, result.PollError)

	docs, err := svc.WaitForDocuments(ctx, result.DocumentIDs)
	require.NoError(t, err)
	return feed, docs
}

func TestService_AcmeFundingEndToEnd(t *testing.T) {
	news := newNewsServer(t)
	news.addArticle("Acme raises $10M", "/acme", "Acme closes a Series A.", acmePage, time.Now().Add(-time.Hour))

	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))

	_, docs := ingest(t, svc, news.feedURL())
	require.Len(t, docs, 1)
	var doc *types.Document
	for _, d := range docs {
		doc = d
	}
	require.Equal(t, types.StatusReady, doc.Status, doc.FailureMessage)
	assert.Positive(t, doc.ChunkCount)

	require.Len(t, doc.Metadata.FundingEvents, 1)
	event := doc.Metadata.FundingEvents[0]
	assert.Equal(t, "Acme", event.Company)
	assert.Equal(t, int64(10000000), event.Amount)
	assert.Equal(t, "Series A", event.Round)
	assert.Equal(t, []string{"A16Z"}, event.Investors)

	resp, err := svc.Query(ctx, QueryRequest{
		Text:          "Acme Series A funding",
		CompanyFilter: []string{"acme"},
		DateFilter:    &filter.DateFilter{Preset: filter.PresetLastWeek},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, doc.ID, resp.Results[0].DocumentID)
	assert.Equal(t, searcher.SearchModeHybrid, resp.SearchMode)
	assert.False(t, resp.Degraded)

	resp, err = svc.Query(ctx, QueryRequest{Text: "Acme Series A funding", InvestorFilter: []string{"Sequoia"}})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	hybrid := false
	resp, err = svc.Query(ctx, QueryRequest{Text: "warehouse robotics", UseHybridSearch: &hybrid})
	require.NoError(t, err)
	assert.Equal(t, searcher.SearchModeVector, resp.SearchMode)
	assert.NotEmpty(t, resp.Results)
}

func TestService_ReingestionIsIdempotent(t *testing.T) {
	news := newNewsServer(t)
	news.addArticle("Acme raises $10M", "/acme", "Acme closes a Series A.", acmePage, time.Now())

	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))

	_, first := ingest(t, svc, news.feedURL())
	_, second := ingest(t, svc, news.feedURL())
	require.Len(t, second, 1)
	for id, doc := range second {
		require.Contains(t, first, id)
		assert.Equal(t, types.StatusReady, doc.Status)
		assert.Equal(t, first[id].ContentHash, doc.ContentHash)
		assert.Equal(t, first[id].ChunkCount, doc.ChunkCount)
	}

	docs, err := svc.ListDocuments(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Contains(t, first, docs[0].ID)

	chunks, err := svc.GetDocumentChunks(ctx, docs[0].ID)
	require.NoError(t, err)
	assert.Len(t, chunks, docs[0].ChunkCount)
}

func TestService_RegisterFeed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	feed, err := svc.RegisterFeed(ctx, RegisterFeedRequest{URL: " https://news.example.com/rss ", UpdateFrequency: "daily"})
	require.NoError(t, err)
	assert.NotEmpty(t, feed.ID)
	assert.Equal(t, "news.example.com", feed.Name)
	assert.Equal(t, "https://news.example.com/rss", feed.URL)
	assert.Equal(t, 24*time.Hour, feed.Interval)
	assert.Equal(t, types.FeedActive, feed.Status)

	_, err = svc.RegisterFeed(ctx, RegisterFeedRequest{URL: "https://news.example.com/rss"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	feeds, err := svc.ListFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, feeds, 1)
}

func TestService_RegisterFeedRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  RegisterFeedRequest
	}{
		{name: "empty url", req: RegisterFeedRequest{}},
		{name: "not a url", req: RegisterFeedRequest{URL: "news"}},
		{name: "unsupported scheme", req: RegisterFeedRequest{URL: "ftp://news.example.com/rss"}},
		{name: "bad frequency", req: RegisterFeedRequest{URL: "https://news.example.com/rss", UpdateFrequency: "fortnightly"}},
		{name: "frequency too short", req: RegisterFeedRequest{URL: "https://news.example.com/rss", UpdateFrequency: "1m"}},
	}

	svc := newTestService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterFeed(context.Background(), tt.req)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestService_PauseAndResume(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	feed, err := svc.RegisterFeed(ctx, RegisterFeedRequest{URL: "https://news.example.com/rss"})
	require.NoError(t, err)

	paused, err := svc.PauseFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FeedPaused, paused.Status)

	_, err = svc.TriggerIngestion(ctx, feed.ID)
	assert.ErrorIs(t, err, ingestion.ErrFeedPaused)

	resumed, err := svc.ResumeFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FeedActive, resumed.Status)

	_, err = svc.PauseFeed(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_RemoveFeedHidesDocuments(t *testing.T) {
	news := newNewsServer(t)
	news.addArticle("Acme raises $10M", "/acme", "Acme closes a Series A.", acmePage, time.Now())

	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	feed, docs := ingest(t, svc, news.feedURL())
	require.Len(t, docs, 1)

	resp, err := svc.Query(ctx, QueryRequest{Text: "Acme"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	n, err := svc.RemoveFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp, err = svc.Query(ctx, QueryRequest{Text: "Acme"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	for id := range docs {
		_, err := svc.GetDocument(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	_, err = svc.RemoveFeed(ctx, feed.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_RetryDocument(t *testing.T) {
	news := newNewsServer(t)
	// No description and a missing page: nothing to index
	news.addArticle("Empty", "/gone", "", "", time.Now())

	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	_, docs := ingest(t, svc, news.feedURL())
	require.Len(t, docs, 1)

	var failed *types.Document
	for _, d := range docs {
		failed = d
	}
	require.Equal(t, types.StatusFailed, failed.Status)
	assert.True(t, failed.Terminal)
	assert.Equal(t, types.ReasonContent, failed.FailureReason)

	status := types.StatusFailed
	listed, err := svc.ListDocuments(ctx, &status, 10, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	news.mu.Lock()
	news.pages["/gone"] = acmePage
	news.mu.Unlock()

	retried, err := svc.RetryDocument(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, retried.Status)
	assert.Zero(t, retried.RetryCount)
	assert.False(t, retried.Terminal)

	assert.Eventually(t, func() bool {
		doc, err := svc.GetDocument(ctx, failed.ID)
		return err == nil && doc.Status == types.StatusReady
	}, 10*time.Second, 20*time.Millisecond)

	_, err = svc.RetryDocument(ctx, failed.ID)
	assert.ErrorIs(t, err, ingestion.ErrInvalidTransition)
}

func TestService_ListDocumentsValidatesPaging(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ListDocuments(ctx, nil, -1, 0)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	_, err = svc.ListDocuments(ctx, nil, 10, -5)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	docs, err := svc.ListDocuments(ctx, nil, 10000, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestService_QueryValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Query(ctx, QueryRequest{Text: "   "})
	assert.ErrorIs(t, err, types.ErrEmptyQuery)

	_, err = svc.Query(ctx, QueryRequest{Text: "acme", TopK: 101})
	assert.ErrorIs(t, err, types.ErrInvalidTopK)

	_, err = svc.Query(ctx, QueryRequest{Text: "acme", DateFilter: &filter.DateFilter{Start: "2024-05-01", End: "2024-04-01"}})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestService_RerankingWithoutProviderDegrades(t *testing.T) {
	news := newNewsServer(t)
	news.addArticle("Acme raises $10M", "/acme", "Acme closes a Series A.", acmePage, time.Now())

	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	ingest(t, svc, news.feedURL())

	resp, err := svc.Query(ctx, QueryRequest{Text: "Acme", UseReranking: true})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.False(t, resp.Reranked)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedReasons, searcher.ReasonRerankerUnavailable)
}

func TestService_StartRebuildsLexicalIndex(t *testing.T) {
	news := newNewsServer(t)
	news.addArticle("Acme raises $10M", "/acme", "Acme closes a Series A.", acmePage, time.Now())

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	first, err := New(testConfig(), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	ingest(t, first, news.feedURL())
	require.NoError(t, first.Close())

	second, err := New(testConfig(), WithStore(store))
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	require.NoError(t, second.Start(ctx))

	status, err := second.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Lexical.Documents)
	assert.Equal(t, 1, status.Storage.Feeds)
	assert.Equal(t, "local", status.EmbeddingProvider)

	resp, err := second.Query(ctx, QueryRequest{Text: "Acme", Mode: searcher.SearchModeLexical})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestService_StartStopIsRepeatable(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Enabled = true
	svc, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	svc.Stop()
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	assert.Error(t, svc.Start(ctx))
}
