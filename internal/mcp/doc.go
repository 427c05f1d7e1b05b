// Package mcp implements the Model Context Protocol (MCP) server for newsrag.
//
// The server exposes the news ingestion and retrieval API to MCP clients as
// tools:
//   - register_feed, remove_feed, list_feeds: manage the feed registry
//   - trigger_ingestion, list_ingestion_runs: poll feeds on demand and inspect polls
//   - list_documents, get_document, retry_document: inspect and requeue documents
//   - query: hybrid BM25 + vector retrieval with filters and optional reranking
//   - get_status: counts, index statistics and configured providers
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries protocol messages only; logs go to stderr.
//
// # Basic Usage
//
//	newsrag serve --config ~/.newsrag/config.toml
//
// # Tool: query
//
//	Request:
//	{
//	  "name": "query",
//	  "arguments": {
//	    "text": "robotics funding rounds",
//	    "top_k": 5,
//	    "use_reranking": true,
//	    "company_filter": ["Acme"],
//	    "date_filter": {"preset": "last_month"}
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "rank": 1,
//	      "document_id": "6f1c...",
//	      "chunk_id": "6f1c...:9a2b3c4d5e6f:0000",
//	      "title": "Acme raises $10M",
//	      "text": "Acme raised $10M Series A led by A16Z. ...",
//	      "scores": {"fused": 0.0325, "lexical_rank": 1, "vector_rank": 2, "rerank": 0.91},
//	      "metadata": {"companies": ["Acme"], "investors": ["A16Z"], ...}
//	    }
//	  ],
//	  "search_mode": "hybrid",
//	  "reranked": true,
//	  "degraded": false
//	}
//
// When the vector store or the reranker is unavailable the query still
// succeeds: "degraded" is true and "degraded_reasons" names what was
// skipped (vector_unavailable, reranker_unavailable, deadline_exceeded).
//
// # Tool: trigger_ingestion
//
// Starts a poll of one feed. With "wait": true the response includes the
// run summary (items seen, documents created/updated/unchanged, errors).
// Document processing continues in the background; use list_documents or
// get_document to follow it.
//
// # Error Handling
//
// Tool errors carry JSON-RPC codes:
//   - -32602 invalid parameters (bad URL, unknown status, out-of-range limits,
//     duplicate feed, paused feed, retry of a non-failed document)
//   - -32603 internal error
//   - -32001 feed or document not found
//   - -32004 empty query text
package mcp
