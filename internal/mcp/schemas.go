package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/newsrag/internal/filter"
)

var stringArray = map[string]interface{}{
	"type":  "array",
	"items": map[string]interface{}{"type": "string"},
}

func feedIDProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Feed id returned by register_feed or list_feeds",
	}
}

// registerFeedTool returns the tool definition for register_feed
func registerFeedTool() mcp.Tool {
	return mcp.Tool{
		Name:        "register_feed",
		Description: "Register an RSS or Atom news feed for periodic ingestion",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "Feed URL (http or https)",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Display name, defaults to the feed host",
				},
				"update_frequency": map[string]interface{}{
					"type":        "string",
					"description": "Polling interval: hourly, daily, or a duration such as 30m",
					"default":     "hourly",
				},
			},
			Required: []string{"url"},
		},
	}
}

// removeFeedTool returns the tool definition for remove_feed
func removeFeedTool() mcp.Tool {
	return mcp.Tool{
		Name:        "remove_feed",
		Description: "Remove a feed; its documents are tombstoned and leave search results",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"feed_id": feedIDProperty(),
			},
			Required: []string{"feed_id"},
		},
	}
}

// listFeedsTool returns the tool definition for list_feeds
func listFeedsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_feeds",
		Description: "List registered feeds with their polling status",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// triggerIngestionTool returns the tool definition for trigger_ingestion
func triggerIngestionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "trigger_ingestion",
		Description: "Poll a feed now. New and changed articles are queued for processing",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"feed_id": feedIDProperty(),
				"wait": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, wait for the poll to finish and return its summary",
					"default":     false,
				},
			},
			Required: []string{"feed_id"},
		},
	}
}

// listIngestionRunsTool returns the tool definition for list_ingestion_runs
func listIngestionRunsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_ingestion_runs",
		Description: "List recent feed polls with their item counts and errors",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"feed_id": map[string]interface{}{
					"type":        "string",
					"description": "Restrict to one feed; all feeds when omitted",
				},
				"limit": map[string]interface{}{
					"type":    "integer",
					"default": 20,
					"minimum": 1,
					"maximum": 500,
				},
			},
		},
	}
}

// listDocumentsTool returns the tool definition for list_documents
func listDocumentsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_documents",
		Description: "List ingested documents, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Only documents in this processing state",
					"enum":        []string{"pending", "processing", "chunked", "embedded", "ready", "failed"},
				},
				"limit": map[string]interface{}{
					"type":    "integer",
					"default": 50,
					"minimum": 1,
					"maximum": 500,
				},
				"offset": map[string]interface{}{
					"type":    "integer",
					"default": 0,
					"minimum": 0,
				},
			},
		},
	}
}

// getDocumentTool returns the tool definition for get_document
func getDocumentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_document",
		Description: "Get a document with its extracted metadata and processing state",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"document_id": map[string]interface{}{
					"type": "string",
				},
				"include_chunks": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, include the committed chunk texts",
					"default":     false,
				},
			},
			Required: []string{"document_id"},
		},
	}
}

// retryDocumentTool returns the tool definition for retry_document
func retryDocumentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "retry_document",
		Description: "Requeue a failed document with a fresh retry budget",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"document_id": map[string]interface{}{
					"type": "string",
				},
			},
			Required: []string{"document_id"},
		},
	}
}

// queryTool returns the tool definition for query
func queryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query",
		Description: "Search ingested news with hybrid BM25 and vector retrieval, optional reranking and entity/date filters",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"use_hybrid_search": map[string]interface{}{
					"type":        "boolean",
					"description": "If false, use vector similarity only",
					"default":     true,
				},
				"use_reranking": map[string]interface{}{
					"type":        "boolean",
					"description": "Rerank fused candidates with the configured reranker",
					"default":     false,
				},
				"rerank_top_n": map[string]interface{}{
					"type":        "integer",
					"description": "Number of fused candidates passed to the reranker",
					"minimum":     1,
					"maximum":     500,
				},
				"date_filter": map[string]interface{}{
					"type":        "object",
					"description": "Publication window, by preset or explicit bounds",
					"properties": map[string]interface{}{
						"preset": map[string]interface{}{
							"type": "string",
							"enum": []string{
								filter.PresetToday, filter.PresetYesterday, filter.PresetLast24Hours,
								filter.PresetLastWeek, filter.PresetLastMonth, filter.PresetLast3Months,
								filter.PresetLastYear, filter.PresetThisWeek, filter.PresetThisMonth,
								filter.PresetThisYear,
							},
						},
						"start_date": map[string]interface{}{"type": "string"},
						"end_date":   map[string]interface{}{"type": "string"},
					},
				},
				"company_filter":      stringArray,
				"investor_filter":     stringArray,
				"sector_filter":       stringArray,
				"filter_document_ids": stringArray,
			},
			Required: []string{"text"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report document counts by state, index statistics and configured providers",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
