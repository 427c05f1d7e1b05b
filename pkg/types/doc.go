// Package types provides shared type definitions for the newsrag engine.
//
// This package defines the domain types used across ingestion, storage and
// retrieval: feeds, documents, chunks, extracted metadata and ranked results.
//
// # Core Types
//
// Feed is a registered RSS/Atom source with its own polling schedule:
//
//	interval, err := types.ParseFrequency("hourly")
//	feed := &types.Feed{
//	    Name:     "TechCrunch",
//	    URL:      "https://techcrunch.com/feed/",
//	    Interval: interval,
//	    Status:   types.FeedActive,
//	}
//
// Document is one feed item moving through the ingestion state machine:
//
//	pending -> processing -> chunked -> embedded -> ready
//	              \______________\__________\-----> failed -> pending
//
// Chunk is a token-bounded, overlapping segment of a document's text. Chunk
// ids are derived from the document id, its content hash and the sequence
// index, so a reprocessed document never reuses ids of its previous version.
//
// # Errors
//
// Failures are classified into four kinds which callers test with errors.Is:
//
//	ErrTransient              retried with backoff
//	ErrContent                document fails, not retried automatically
//	ErrConfiguration          rejected at the API boundary
//	ErrDependencyUnavailable  query degrades instead of failing
//
// Use the Transient, Content, Configuration and DependencyUnavailable
// constructors to attach a kind and an operation name to an underlying error.
package types
