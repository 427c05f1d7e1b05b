package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/newsrag/internal/filter"
	"github.com/dshills/newsrag/internal/ingestion"
	"github.com/dshills/newsrag/internal/searcher"
	"github.com/dshills/newsrag/internal/service"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound      = -32001 // Feed or document does not exist
	ErrorCodeEmptyQuery    = -32004 // Query parameter is empty
)

// handleRegisterFeed handles the register_feed tool invocation
func (s *Server) handleRegisterFeed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	url, ok := args["url"].(string)
	if !ok || url == "" {
		return nil, missingParam("url")
	}

	feed, err := s.service.RegisterFeed(ctx, service.RegisterFeedRequest{
		URL:             url,
		Name:            getStringDefault(args, "name", ""),
		UpdateFrequency: getStringDefault(args, "update_frequency", ""),
	})
	if err != nil {
		return nil, toMCPError("failed to register feed", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"registered": true,
		"feed":       feedJSON(feed),
	})), nil
}

// handleRemoveFeed handles the remove_feed tool invocation
func (s *Server) handleRemoveFeed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	feedID, err := requireString(request, "feed_id")
	if err != nil {
		return nil, err
	}

	n, err := s.service.RemoveFeed(ctx, feedID)
	if err != nil {
		return nil, toMCPError("failed to remove feed", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"removed":              true,
		"feed_id":              feedID,
		"documents_tombstoned": n,
	})), nil
}

// handleListFeeds handles the list_feeds tool invocation
func (s *Server) handleListFeeds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	feeds, err := s.service.ListFeeds(ctx)
	if err != nil {
		return nil, toMCPError("failed to list feeds", err)
	}

	items := make([]map[string]interface{}, len(feeds))
	for i, f := range feeds {
		items[i] = feedJSON(f)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"feeds": items,
		"count": len(items),
	})), nil
}

// handleTriggerIngestion handles the trigger_ingestion tool invocation
func (s *Server) handleTriggerIngestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	feedID, err := requireString(request, "feed_id")
	if err != nil {
		return nil, err
	}
	wait := getBoolDefault(request.GetArguments(), "wait", false)

	run, err := s.service.TriggerIngestion(ctx, feedID)
	if err != nil {
		return nil, toMCPError("failed to trigger ingestion", err)
	}

	response := map[string]interface{}{
		"run_id":     run.ID,
		"feed_id":    run.FeedID,
		"started_at": formatTime(run.StartedAt),
		"finished":   false,
	}
	if wait {
		result, err := run.Wait(ctx)
		if err != nil {
			return nil, toMCPError("ingestion did not finish", err)
		}
		response["finished"] = true
		response["result"] = runResultJSON(result)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleListIngestionRuns handles the list_ingestion_runs tool invocation
func (s *Server) handleListIngestionRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	limit := getIntDefault(args, "limit", 20)
	if limit < 1 || limit > service.MaxListLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 500", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	runs, err := s.service.ListRuns(ctx, getStringDefault(args, "feed_id", ""), limit)
	if err != nil {
		return nil, toMCPError("failed to list runs", err)
	}

	items := make([]map[string]interface{}, len(runs))
	for i, r := range runs {
		item := map[string]interface{}{
			"run_id":              r.ID,
			"feed_id":             r.FeedID,
			"started_at":          formatTime(r.StartedAt),
			"items_seen":          r.ItemsSeen,
			"documents_created":   r.DocumentsCreated,
			"documents_updated":   r.DocumentsUpdated,
			"documents_unchanged": r.DocumentsUnchanged,
			"items_failed":        r.ItemsFailed,
		}
		if r.FinishedAt != nil {
			item["finished_at"] = formatTime(*r.FinishedAt)
		}
		if len(r.Errors) > 0 {
			item["errors"] = r.Errors
		}
		items[i] = item
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"runs":  items,
		"count": len(items),
	})), nil
}

// handleListDocuments handles the list_documents tool invocation
func (s *Server) handleListDocuments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	var status *types.DocumentStatus
	if raw := getStringDefault(args, "status", ""); raw != "" {
		st, err := types.ParseDocumentStatus(raw)
		if err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid status", map[string]interface{}{
				"param": "status",
				"value": raw,
			})
		}
		status = &st
	}

	limit := getIntDefault(args, "limit", service.DefaultListLimit)
	if limit < 1 || limit > service.MaxListLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 500", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	offset := getIntDefault(args, "offset", 0)

	docs, err := s.service.ListDocuments(ctx, status, limit, offset)
	if err != nil {
		return nil, toMCPError("failed to list documents", err)
	}

	items := make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		items[i] = documentSummaryJSON(d)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"documents": items,
		"count":     len(items),
		"limit":     limit,
		"offset":    offset,
	})), nil
}

// handleGetDocument handles the get_document tool invocation
func (s *Server) handleGetDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "document_id")
	if err != nil {
		return nil, err
	}

	doc, err := s.service.GetDocument(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to get document", err)
	}

	response := documentSummaryJSON(doc)
	response["summary"] = doc.Summary
	response["metadata"] = doc.Metadata
	if doc.FailureMessage != "" {
		response["failure_message"] = doc.FailureMessage
	}
	if doc.NextRetryAt != nil {
		response["next_retry_at"] = formatTime(*doc.NextRetryAt)
	}

	if getBoolDefault(request.GetArguments(), "include_chunks", false) {
		chunks, err := s.service.GetDocumentChunks(ctx, id)
		if err != nil {
			return nil, toMCPError("failed to load chunks", err)
		}
		items := make([]map[string]interface{}, len(chunks))
		for i, c := range chunks {
			items[i] = map[string]interface{}{
				"chunk_id":    c.ID,
				"seq":         c.SequenceIndex,
				"text":        c.Text,
				"token_count": c.TokenCount,
			}
		}
		response["chunks"] = items
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRetryDocument handles the retry_document tool invocation
func (s *Server) handleRetryDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "document_id")
	if err != nil {
		return nil, err
	}

	doc, err := s.service.RetryDocument(ctx, id)
	if err != nil {
		return nil, toMCPError("failed to retry document", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"requeued": true,
		"document": documentSummaryJSON(doc),
	})), nil
}

// handleQuery handles the query tool invocation
func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	text, ok := args["text"].(string)
	if !ok || text == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "text parameter is required and cannot be empty", map[string]interface{}{
			"param":  "text",
			"reason": "missing or empty",
		})
	}

	req := service.QueryRequest{
		Text:              text,
		TopK:              getIntDefault(args, "top_k", 0),
		UseReranking:      getBoolDefault(args, "use_reranking", false),
		RerankTopN:        getIntDefault(args, "rerank_top_n", 0),
		CompanyFilter:     request.GetStringSlice("company_filter", nil),
		InvestorFilter:    request.GetStringSlice("investor_filter", nil),
		SectorFilter:      request.GetStringSlice("sector_filter", nil),
		FilterDocumentIDs: request.GetStringSlice("filter_document_ids", nil),
	}
	if v, ok := args["use_hybrid_search"].(bool); ok {
		req.UseHybridSearch = &v
	}
	if raw, ok := args["date_filter"].(map[string]interface{}); ok {
		req.DateFilter = &filter.DateFilter{
			Preset: getStringDefault(raw, "preset", ""),
			Start:  getStringDefault(raw, "start_date", ""),
			End:    getStringDefault(raw, "end_date", ""),
		}
	}

	resp, err := s.service.Query(ctx, req)
	if err != nil {
		return nil, toMCPError("query failed", err)
	}

	return mcp.NewToolResultText(formatJSON(searchResponseJSON(resp))), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.service.Status(ctx)
	if err != nil {
		return nil, toMCPError("failed to get status", err)
	}

	byState := make(map[string]int, len(status.Storage.DocumentsByState))
	for st, n := range status.Storage.DocumentsByState {
		byState[string(st)] = n
	}

	response := map[string]interface{}{
		"statistics": map[string]interface{}{
			"feeds_count":        status.Storage.Feeds,
			"documents_count":    status.Storage.Documents,
			"documents_by_state": byState,
			"chunks_count":       status.Storage.Chunks,
			"embeddings_count":   status.Storage.Embeddings,
			"tombstoned_count":   status.Storage.Tombstoned,
		},
		"lexical_index": map[string]interface{}{
			"documents":  status.Lexical.Documents,
			"chunks":     status.Lexical.Chunks,
			"terms":      status.Lexical.Terms,
			"generation": status.Lexical.Generation,
		},
		"workers": map[string]interface{}{
			"running":     status.WorkersRunning,
			"leases_held": status.LeasesHeld,
		},
		"providers": map[string]interface{}{
			"embedding":       status.EmbeddingProvider,
			"embedding_model": status.EmbeddingModel,
			"reranker":        status.Reranker,
			"storage_driver":  status.StorageDriver,
		},
		"scheduler_enabled": status.SchedulerEnabled,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Response shaping

func feedJSON(f *types.Feed) map[string]interface{} {
	m := map[string]interface{}{
		"feed_id":          f.ID,
		"name":             f.Name,
		"url":              f.URL,
		"update_frequency": f.UpdateFrequency,
		"status":           f.Status,
		"next_due_at":      formatTime(f.NextDueAt),
	}
	if f.LastFetchedAt != nil {
		m["last_fetched_at"] = formatTime(*f.LastFetchedAt)
	}
	if f.LastError != "" {
		m["last_error"] = f.LastError
	}
	return m
}

func documentSummaryJSON(d *types.Document) map[string]interface{} {
	m := map[string]interface{}{
		"document_id": d.ID,
		"feed_id":     d.FeedID,
		"title":       d.Title,
		"source_url":  d.SourceURL,
		"status":      d.Status,
		"chunk_count": d.ChunkCount,
		"retry_count": d.RetryCount,
		"updated_at":  formatTime(d.UpdatedAt),
	}
	if d.PublishedAt != nil {
		m["published_at"] = formatTime(*d.PublishedAt)
	}
	if d.Status == types.StatusFailed {
		m["failure_reason"] = d.FailureReason
		m["terminal"] = d.Terminal
	}
	return m
}

func runResultJSON(r *ingestion.RunResult) map[string]interface{} {
	m := map[string]interface{}{
		"items_seen":          r.ItemsSeen,
		"documents_created":   r.DocumentsCreated,
		"documents_updated":   r.DocumentsUpdated,
		"documents_unchanged": r.DocumentsUnchanged,
		"items_failed":        r.ItemsFailed,
		"document_ids":        r.DocumentIDs,
	}
	if r.PollError != "" {
		m["poll_error"] = r.PollError
	}
	if len(r.Errors) > 0 {
		m["errors"] = r.Errors
	}
	return m
}

func searchResponseJSON(resp *searcher.SearchResponse) map[string]interface{} {
	results := make([]map[string]interface{}, len(resp.Results))
	for i, r := range resp.Results {
		item := map[string]interface{}{
			"rank":        i + 1,
			"chunk_id":    r.ChunkID,
			"document_id": r.DocumentID,
			"title":       r.Title,
			"source_url":  r.SourceURL,
			"text":        r.Text,
			"scores": map[string]interface{}{
				"fused":        r.FusedScore,
				"lexical_rank": r.LexicalRank,
				"vector_rank":  r.VectorRank,
			},
			"metadata": r.Metadata,
		}
		if r.RerankScore != nil {
			item["scores"].(map[string]interface{})["rerank"] = *r.RerankScore
		}
		results[i] = item
	}

	response := map[string]interface{}{
		"results":       results,
		"total_results": resp.TotalResults,
		"search_mode":   resp.SearchMode,
		"reranked":      resp.Reranked,
		"degraded":      resp.Degraded,
		"cache_hit":     resp.CacheHit,
		"duration_ms":   resp.Duration.Milliseconds(),
		"candidates": map[string]interface{}{
			"lexical": resp.LexicalResults,
			"vector":  resp.VectorResults,
		},
	}
	if len(resp.DegradedReasons) > 0 {
		response["degraded_reasons"] = resp.DegradedReasons
	}
	return response
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// toMCPError classifies a service error
func toMCPError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.Is(err, types.ErrEmptyQuery):
		return newMCPError(ErrorCodeEmptyQuery, message, data)
	case errors.Is(err, storage.ErrNotFound):
		return newMCPError(ErrorCodeNotFound, message, data)
	case errors.Is(err, types.ErrConfiguration),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, ingestion.ErrFeedPaused),
		errors.Is(err, ingestion.ErrInvalidTransition):
		return newMCPError(ErrorCodeInvalidParams, message, data)
	default:
		return newMCPError(ErrorCodeInternalError, message, data)
	}
}

func missingParam(name string) error {
	return newMCPError(ErrorCodeInvalidParams, name+" parameter is required", map[string]interface{}{
		"param":  name,
		"reason": "missing or empty",
	})
}

// requireString extracts a required non-empty string parameter
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	if _, ok := request.Params.Arguments.(map[string]interface{}); !ok {
		return "", newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	v, err := request.RequireString(key)
	if err != nil || v == "" {
		return "", missingParam(key)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
