package mcp

import (
	"context"
	"encoding/json"
	"iter"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/internal/config"
	"github.com/dshills/newsrag/internal/ingestion"
	"github.com/dshills/newsrag/internal/service"
	"github.com/dshills/newsrag/pkg/types"
)

// staticSource serves a fixed item list for every feed
type staticSource struct {
	items []ingestion.RawItem
}

func (s *staticSource) Items(ctx context.Context, feed *types.Feed) iter.Seq2[ingestion.RawItem, error] {
	return func(yield func(ingestion.RawItem, error) bool) {
		for _, item := range s.items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func newTestServer(t *testing.T, items ...ingestion.RawItem) (*Server, *service.Service) {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = ":memory:"
	cfg.Scheduler.Enabled = false
	cfg.Ingestion.DispatchInterval = config.Duration{Duration: 20 * time.Millisecond}

	svc, err := service.New(cfg,
		service.WithFeedSource(&staticSource{items: items}),
		service.WithContentExtractor(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, svc.Start(context.Background()))

	return NewServer(svc, nil), svc
}

func callTool(t *testing.T, handler server.ToolHandlerFunc, args map[string]interface{}) (map[string]interface{}, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := handler(context.Background(), req)
	if err != nil {
		return nil, err
	}
	require.Len(t, result.Content, 1)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out, nil
}

func requireMCPCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, code, mcpErr.Code, mcpErr.Message)
}

var acmeItem = ingestion.RawItem{
	Title:   "Acme raises $10M",
	Link:    "https://news.example.com/acme",
	Summary: "Acme raised $10M Series A led by A16Z. The company builds AI tools.",
}

func TestServer_RegistersTools(t *testing.T) {
	s, _ := newTestServer(t)

	tools := s.mcp.ListTools()
	for _, name := range []string{
		"register_feed", "remove_feed", "list_feeds",
		"trigger_ingestion", "list_ingestion_runs",
		"list_documents", "get_document", "retry_document",
		"query", "get_status",
	} {
		assert.Contains(t, tools, name)
	}
}

func TestTools_FeedToQueryFlow(t *testing.T) {
	s, svc := newTestServer(t, acmeItem)

	out, err := callTool(t, s.handleRegisterFeed, map[string]interface{}{
		"url":  "https://news.example.com/rss",
		"name": "Example News",
	})
	require.NoError(t, err)
	feed := out["feed"].(map[string]interface{})
	feedID := feed["feed_id"].(string)
	assert.Equal(t, "Example News", feed["name"])
	assert.Equal(t, "active", feed["status"])

	out, err = callTool(t, s.handleTriggerIngestion, map[string]interface{}{"feed_id": feedID, "wait": true})
	require.NoError(t, err)
	assert.Equal(t, true, out["finished"])
	result := out["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["documents_created"])
	ids := result["document_ids"].([]interface{})
	require.Len(t, ids, 1)
	docID := ids[0].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	docs, err := svc.WaitForDocuments(ctx, []string{docID})
	require.NoError(t, err)
	require.Equal(t, types.StatusReady, docs[docID].Status)

	out, err = callTool(t, s.handleQuery, map[string]interface{}{
		"text":           "Acme Series A",
		"top_k":          float64(5),
		"company_filter": []interface{}{"Acme"},
		"date_filter":    map[string]interface{}{"preset": "last_week"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hybrid", out["search_mode"])
	results := out["results"].([]interface{})
	require.NotEmpty(t, results)
	first := results[0].(map[string]interface{})
	assert.Equal(t, docID, first["document_id"])
	assert.Equal(t, float64(1), first["rank"])
	assert.Contains(t, first["scores"], "fused")

	out, err = callTool(t, s.handleQuery, map[string]interface{}{"text": "Acme", "use_hybrid_search": false})
	require.NoError(t, err)
	assert.Equal(t, "vector", out["search_mode"])

	out, err = callTool(t, s.handleGetDocument, map[string]interface{}{"document_id": docID, "include_chunks": true})
	require.NoError(t, err)
	assert.Equal(t, "ready", out["status"])
	assert.NotEmpty(t, out["chunks"])
	metadata := out["metadata"].(map[string]interface{})
	assert.Contains(t, metadata["companies"], "Acme")

	out, err = callTool(t, s.handleListDocuments, map[string]interface{}{"status": "ready"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["count"])

	out, err = callTool(t, s.handleListIngestionRuns, map[string]interface{}{"feed_id": feedID})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["count"])

	out, err = callTool(t, s.handleGetStatus, map[string]interface{}{})
	require.NoError(t, err)
	stats := out["statistics"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["feeds_count"])
	assert.Equal(t, float64(1), stats["documents_count"])

	out, err = callTool(t, s.handleRemoveFeed, map[string]interface{}{"feed_id": feedID})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["documents_tombstoned"])

	_, err = callTool(t, s.handleGetDocument, map[string]interface{}{"document_id": docID})
	requireMCPCode(t, err, ErrorCodeNotFound)

	out, err = callTool(t, s.handleListFeeds, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, float64(0), out["count"])
}

func TestTools_ParameterErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name    string
		handler server.ToolHandlerFunc
		args    map[string]interface{}
		code    int
	}{
		{"register without url", s.handleRegisterFeed, map[string]interface{}{}, ErrorCodeInvalidParams},
		{"register bad url", s.handleRegisterFeed, map[string]interface{}{"url": "not a url"}, ErrorCodeInvalidParams},
		{"remove unknown feed", s.handleRemoveFeed, map[string]interface{}{"feed_id": "missing"}, ErrorCodeNotFound},
		{"trigger unknown feed", s.handleTriggerIngestion, map[string]interface{}{"feed_id": "missing"}, ErrorCodeNotFound},
		{"query without text", s.handleQuery, map[string]interface{}{}, ErrorCodeEmptyQuery},
		{"query blank text", s.handleQuery, map[string]interface{}{"text": "   "}, ErrorCodeEmptyQuery},
		{"query top_k too large", s.handleQuery, map[string]interface{}{"text": "acme", "top_k": float64(101)}, ErrorCodeInvalidParams},
		{"query bad preset range", s.handleQuery, map[string]interface{}{
			"text":        "acme",
			"date_filter": map[string]interface{}{"start_date": "2024-06-01", "end_date": "2024-05-01"},
		}, ErrorCodeInvalidParams},
		{"list bad status", s.handleListDocuments, map[string]interface{}{"status": "done"}, ErrorCodeInvalidParams},
		{"list limit too large", s.handleListDocuments, map[string]interface{}{"limit": float64(501)}, ErrorCodeInvalidParams},
		{"get without id", s.handleGetDocument, map[string]interface{}{}, ErrorCodeInvalidParams},
		{"retry unknown document", s.handleRetryDocument, map[string]interface{}{"document_id": "missing"}, ErrorCodeNotFound},
		{"runs limit zero", s.handleListIngestionRuns, map[string]interface{}{"limit": float64(0)}, ErrorCodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callTool(t, tt.handler, tt.args)
			requireMCPCode(t, err, tt.code)
		})
	}
}

func TestTools_PausedFeedRejectsTrigger(t *testing.T) {
	s, svc := newTestServer(t, acmeItem)
	ctx := context.Background()

	feed, err := svc.RegisterFeed(ctx, service.RegisterFeedRequest{URL: "https://news.example.com/rss"})
	require.NoError(t, err)
	_, err = svc.PauseFeed(ctx, feed.ID)
	require.NoError(t, err)

	_, err = callTool(t, s.handleTriggerIngestion, map[string]interface{}{"feed_id": feed.ID})
	requireMCPCode(t, err, ErrorCodeInvalidParams)
}
