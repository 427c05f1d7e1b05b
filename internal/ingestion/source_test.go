package ingestion

import (
	"context"
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

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Startup News</title>
  <link>https://news.example.com</link>
  <description>Funding rounds</description>
  <item>
    <title>Acme raises $10M</title>
    <link>https://news.example.com/acme</link>
    <guid>acme-1</guid>
    <pubDate>Mon, 15 Jan 2024 10:00:00 GMT</pubDate>
    <description>Acme raised $10M Series A led by Sequoia.</description>
  </item>
  <item>
    <title>No link item</title>
    <guid isPermaLink="false">urn:item:2</guid>
    <description>Globex announced a partnership.</description>
  </item>
</channel>
</rss>`

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func collectItems(t *testing.T, src FeedSource, url string) ([]RawItem, error) {
	t.Helper()
	var items []RawItem
	for item, err := range src.Items(context.Background(), &types.Feed{ID: "f1", URL: url}) {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

func TestGoFeedSource_ParsesRSS(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(testRSS))
	}))
	defer server.Close()

	items, err := collectItems(t, NewGoFeedSource(), server.URL)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, DefaultUserAgent, userAgent.Load())

	first := items[0]
	assert.Equal(t, "Acme raises $10M", first.Title)
	assert.Equal(t, "https://news.example.com/acme", first.SourceURL())
	assert.Equal(t, "Acme raised $10M Series A led by Sequoia.", first.Summary)
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), first.PublishedAt.UTC())
	assert.Equal(t, "Mon, 15 Jan 2024 10:00:00 GMT", first.PublishedRaw)

	// Without a link the guid identifies the item
	assert.Equal(t, "urn:item:2", items[1].SourceURL())
	assert.Nil(t, items[1].PublishedAt)
}

func TestGoFeedSource_CustomUserAgent(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(testRSS))
	}))
	defer server.Close()

	_, err := collectItems(t, NewGoFeedSource(WithUserAgent("custom/1.0"), WithFetchRate(100)), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "custom/1.0", userAgent.Load())
}

func TestGoFeedSource_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  error
		wantCalls int32
	}{
		{name: "not found is content", status: http.StatusNotFound, wantKind: types.ErrContent, wantCalls: 1},
		{name: "server error is retried", status: http.StatusBadGateway, wantKind: types.ErrTransient, wantCalls: 3},
		{name: "unparseable body", status: http.StatusOK, body: "this is not a feed", wantKind: types.ErrContent, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			items, err := collectItems(t, NewGoFeedSource(WithFetchRetry(fastRetry())), server.URL)
			require.Error(t, err)
			assert.Empty(t, items)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestGoFeedSource_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(testRSS))
	}))
	defer server.Close()

	items, err := collectItems(t, NewGoFeedSource(WithFetchRetry(fastRetry())), server.URL)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, int32(2), calls.Load())
}
