package storage

import (
	"context"
	"time"

	"github.com/dshills/newsrag/pkg/types"
)

// Storage defines the interface for persisting feeds, documents, chunks and
// their vectors
type Storage interface {
	// Feed operations
	CreateFeed(ctx context.Context, feed *types.Feed) error
	GetFeed(ctx context.Context, id string) (*types.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*types.Feed, error)
	ListFeeds(ctx context.Context) ([]*types.Feed, error)
	ListDueFeeds(ctx context.Context, now time.Time) ([]*types.Feed, error)
	UpdateFeed(ctx context.Context, feed *types.Feed) error
	// DeleteFeed removes a feed and tombstones its documents, returning
	// the tombstoned document ids
	DeleteFeed(ctx context.Context, id string) ([]string, error)

	// Document operations
	CreateDocument(ctx context.Context, doc *types.Document) error
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	GetDocumentBySource(ctx context.Context, feedID, sourceURL string) (*types.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error)
	UpdateDocument(ctx context.Context, doc *types.Document) error
	// TransitionDocument persists doc only if the stored status still equals
	// from. Returns ErrConflict otherwise.
	TransitionDocument(ctx context.Context, doc *types.Document, from types.DocumentStatus) error
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*types.Document, error)
	ListRetryDue(ctx context.Context, now time.Time) ([]*types.Document, error)

	// Staging operations hold a chunk set and its partial embeddings until
	// the set is committed
	StageChunks(ctx context.Context, documentID, contentHash string, chunks []*types.Chunk) error
	GetStagedChunks(ctx context.Context, documentID string) ([]*StagedChunk, error)
	SetStagedVectors(ctx context.Context, documentID string, vectors map[int][]float32) error
	ClearStagedChunks(ctx context.Context, documentID string) error

	// Live chunk operations
	UpsertChunks(ctx context.Context, documentID string, chunks []ChunkWithVector, model string) error
	GetChunks(ctx context.Context, ids []string) (map[string]*types.Chunk, error)
	ListChunksByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error)
	ListLiveChunks(ctx context.Context) ([]*types.Chunk, error)

	// Search operations
	QueryVectors(ctx context.Context, vector []float32, topN int) ([]VectorHit, error)

	// Run history operations
	RecordRun(ctx context.Context, run *RunRecord) error
	ListRuns(ctx context.Context, feedID string, limit int) ([]*RunRecord, error)

	// Status operations
	GetStats(ctx context.Context) (*Stats, error)

	// Database operations
	Close() error
}

// DocumentFilter selects documents for listing
type DocumentFilter struct {
	Status            *types.DocumentStatus
	FeedID            string
	IncludeTombstoned bool
	OldestFirst       bool
	Limit             int
	Offset            int
}

// StagedChunk is a chunk awaiting commit. Vector is nil until embedded.
type StagedChunk struct {
	Chunk       types.Chunk
	ContentHash string
	Vector      []float32
}

// ChunkWithVector pairs a chunk with its embedding for UpsertChunks
type ChunkWithVector struct {
	Chunk  *types.Chunk
	Vector []float32
}

// VectorHit is a chunk ranked by cosine distance to a query vector
type VectorHit struct {
	ChunkID    string
	DocumentID string
	Distance   float64 // 1 - cosine similarity, lower is closer
}

// RunRecord is the persisted summary of one feed ingestion run
type RunRecord struct {
	ID                 string
	FeedID             string
	StartedAt          time.Time
	FinishedAt         *time.Time
	ItemsSeen          int
	DocumentsCreated   int
	DocumentsUpdated   int
	DocumentsUnchanged int
	ItemsFailed        int
	Errors             []string
}

// Stats summarizes the store contents
type Stats struct {
	Feeds            int
	Documents        int
	Chunks           int
	Embeddings       int
	Tombstoned       int
	DocumentsByState map[types.DocumentStatus]int
}
