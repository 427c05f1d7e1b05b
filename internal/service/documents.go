package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/newsrag/internal/ingestion"
	"github.com/dshills/newsrag/internal/lexical"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

// Listing limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListDocuments lists live documents, newest first, optionally restricted
// to one status. A limit of zero uses DefaultListLimit; larger limits are
// capped at MaxListLimit.
func (s *Service) ListDocuments(ctx context.Context, status *types.DocumentStatus, limit, offset int) ([]*types.Document, error) {
	const op = "service.list_documents"
	if limit < 0 || offset < 0 {
		return nil, types.Configuration(op, fmt.Errorf("limit and offset must not be negative"))
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	return s.store.ListDocuments(ctx, storage.DocumentFilter{
		Status: status,
		Limit:  min(limit, MaxListLimit),
		Offset: offset,
	})
}

// GetDocument returns a live document. Documents of removed feeds are not
// found.
func (s *Service) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Tombstoned {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	return doc, nil
}

// GetDocumentChunks returns the committed chunk set of a document
func (s *Service) GetDocumentChunks(ctx context.Context, id string) ([]*types.Chunk, error) {
	if _, err := s.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListChunksByDocument(ctx, id)
}

// RetryDocument moves a failed document, terminal or not, back to pending
// with a fresh retry budget and wakes the workers
func (s *Service) RetryDocument(ctx context.Context, id string) (*types.Document, error) {
	doc, err := s.processor.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	s.pool.Notify()
	return doc, nil
}

// WaitForDocuments blocks until every listed document is ready, terminally
// failed or gone, or ctx ends
func (s *Service) WaitForDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error) {
	return ingestion.WaitForDocuments(ctx, s.store, ids, 100*time.Millisecond)
}

// Status reports store counts and the state of the in-memory components
type Status struct {
	Storage           *storage.Stats
	Lexical           lexical.Stats
	WorkersRunning    int
	LeasesHeld        int
	EmbeddingProvider string
	EmbeddingModel    string
	Reranker          string
	SchedulerEnabled  bool
	StorageDriver     string
}

// Status gathers runtime statistics
func (s *Service) Status(ctx context.Context) (*Status, error) {
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Storage:           stats,
		Lexical:           s.lexical.Stats(),
		WorkersRunning:    s.pool.Running(),
		LeasesHeld:        s.processor.Locks().Len(),
		EmbeddingProvider: s.embedder.Provider(),
		EmbeddingModel:    s.embedder.Model(),
		Reranker:          s.rerankerModel(),
		SchedulerEnabled:  s.cfg.Scheduler.Enabled,
		StorageDriver:     storage.DriverName,
	}, nil
}
