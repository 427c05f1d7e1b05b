package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/newsrag/internal/chunker"
	"github.com/dshills/newsrag/internal/embedder"
	"github.com/dshills/newsrag/internal/extractor"
	"github.com/dshills/newsrag/internal/retry"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

const (
	// DefaultEmbeddingBatchSize is the number of chunks per embedding call
	DefaultEmbeddingBatchSize = 20
	// DefaultMaxRetry is the failure count at which a document turns terminal
	DefaultMaxRetry = 3

	maxFailureMessage  = 500
	bookkeepingTimeout = 10 * time.Second
)

// ErrLocked is returned by Process when another worker holds the document
var ErrLocked = errors.New("document is locked")

// DefaultRetryBackoff is the schedule for automatic document retries
func DefaultRetryBackoff() retry.Config {
	return retry.Config{
		BaseDelay:  30 * time.Second,
		MaxDelay:   time.Hour,
		Multiplier: 2.0,
	}
}

// LexicalWriter receives committed chunk sets
type LexicalWriter interface {
	Replace(documentID string, chunks []*types.Chunk)
	Remove(documentID string)
}

// ProcessorConfig configures a Processor
type ProcessorConfig struct {
	EmbeddingBatchSize   int
	EmbeddingConcurrency int
	MaxRetry             int
	RetryBackoff         retry.Config
	LockGrace            time.Duration
	Logger               *slog.Logger
	Clock                func() time.Time
	// OnCommit runs after a document becomes ready
	OnCommit func(documentID string)
}

// Processor runs documents through the ingestion state machine
type Processor struct {
	store     storage.Storage
	content   ContentExtractor
	extractor *extractor.Extractor
	chunker   *chunker.Chunker
	embedder  embedder.Embedder
	index     LexicalWriter
	locks     *LockManager

	batchSize   int
	concurrency int
	maxRetry    int
	backoff     retry.Config
	onCommit    func(documentID string)
	now         func() time.Time
	logger      *slog.Logger
}

// NewProcessor creates a Processor. content may be nil, in which case only
// the feed item's own content and summary are used.
func NewProcessor(store storage.Storage, content ContentExtractor, ext *extractor.Extractor, ch *chunker.Chunker,
	emb embedder.Embedder, index LexicalWriter, cfg ProcessorConfig) *Processor {
	p := &Processor{
		store:       store,
		content:     content,
		extractor:   ext,
		chunker:     ch,
		embedder:    emb,
		index:       index,
		batchSize:   cfg.EmbeddingBatchSize,
		concurrency: cfg.EmbeddingConcurrency,
		maxRetry:    cfg.MaxRetry,
		backoff:     cfg.RetryBackoff,
		onCommit:    cfg.OnCommit,
		now:         cfg.Clock,
		logger:      cfg.Logger,
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultEmbeddingBatchSize
	}
	if p.concurrency <= 0 {
		p.concurrency = 2
	}
	if p.maxRetry <= 0 {
		p.maxRetry = DefaultMaxRetry
	}
	if p.backoff.BaseDelay <= 0 {
		p.backoff = DefaultRetryBackoff()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.locks = NewLockManager(cfg.LockGrace,
		WithOnExpire(p.expire),
		WithLockClock(p.now),
		WithLockLogger(p.logger))
	p.logger = p.logger.With("component", "processor")
	return p
}

// Locks exposes the lease manager so its watchdog can be started and stopped
func (p *Processor) Locks() *LockManager {
	return p.locks
}

// Process claims the document and runs it to ready or failed. A document
// that is not pending, or is claimed concurrently, is skipped with a nil
// error. ErrLocked means the lease is held elsewhere.
func (p *Processor) Process(ctx context.Context, documentID string) (err error) {
	lease, leaseCtx, ok := p.locks.TryAcquire(ctx, documentID)
	if !ok {
		return ErrLocked
	}
	defer p.locks.Release(documentID, lease.Token)

	doc, err := p.store.GetDocument(leaseCtx, documentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}
	if doc.Tombstoned || doc.Status != types.StatusPending {
		return nil
	}

	if err := transition(leaseCtx, p.store, doc, types.StatusProcessing, p.now()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return fmt.Errorf("claim document %s: %w", documentID, err)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing document",
				"document_id", documentID, "panic", r, "stack", string(debug.Stack()))
			err = p.fail(ctx, doc, types.ReasonInternal, fmt.Errorf("panic: %v", r))
		}
	}()

	if doc.ChunkCount > 0 && doc.ContentHash == doc.ReadyHash {
		return p.restore(ctx, leaseCtx, doc)
	}
	return p.run(ctx, leaseCtx, doc)
}

// restore settles a document whose content reverted to the version its live
// chunks were built from. Nothing is extracted or embedded, and any staged
// set left by the abandoned version is dropped.
func (p *Processor) restore(ctx, leaseCtx context.Context, doc *types.Document) error {
	if err := p.store.ClearStagedChunks(leaseCtx, doc.ID); err != nil {
		return p.abort(ctx, leaseCtx, doc, types.ReasonInternal, fmt.Errorf("clear staged chunks: %w", err))
	}

	doc.RetryCount = 0
	doc.Terminal = false
	doc.FailureReason = ""
	doc.FailureMessage = ""
	doc.FailedAt = nil
	doc.NextRetryAt = nil
	if err := transition(leaseCtx, p.store, doc, types.StatusReady, p.now()); err != nil {
		return p.abort(ctx, leaseCtx, doc, types.ReasonInternal, fmt.Errorf("mark ready: %w", err))
	}

	p.logger.Info("document content matches committed chunks", "document_id", doc.ID, "chunks", doc.ChunkCount)
	return nil
}

// run drives a claimed document. ctx is the caller's context, leaseCtx is
// cancelled when the watchdog reclaims the lease.
func (p *Processor) run(ctx, leaseCtx context.Context, doc *types.Document) error {
	start := p.now()
	logger := p.logger.With("document_id", doc.ID)

	staged, reason, err := p.stage(leaseCtx, doc)
	if err != nil {
		return p.abort(ctx, leaseCtx, doc, reason, err)
	}
	logger.Debug("document chunked", "chunks", len(staged))

	if doc.Status == types.StatusChunked {
		if err := p.embed(leaseCtx, doc, staged); err != nil {
			return p.abort(ctx, leaseCtx, doc, types.ReasonEmbedding, err)
		}
		if err := transition(leaseCtx, p.store, doc, types.StatusEmbedded, p.now()); err != nil {
			return p.abort(ctx, leaseCtx, doc, types.ReasonInternal, err)
		}
	}

	if err := p.commit(leaseCtx, doc, staged); err != nil {
		return p.abort(ctx, leaseCtx, doc, types.ReasonIndexWrite, err)
	}

	logger.Info("document ready", "chunks", doc.ChunkCount, "duration", p.now().Sub(start))
	return nil
}

// stage produces the document's staged chunk set, resuming a previous run's
// set when it belongs to the current content. On success doc is chunked, or
// embedded when every staged chunk already has a vector.
func (p *Processor) stage(ctx context.Context, doc *types.Document) ([]*storage.StagedChunk, types.FailureReason, error) {
	staged, err := p.store.GetStagedChunks(ctx, doc.ID)
	if err != nil {
		return nil, types.ReasonInternal, fmt.Errorf("load staged chunks: %w", err)
	}

	if len(staged) > 0 && staged[0].ContentHash == doc.ContentHash {
		p.logger.Debug("resuming staged chunks", "document_id", doc.ID, "chunks", len(staged))
		if err := transition(ctx, p.store, doc, types.StatusChunked, p.now()); err != nil {
			return nil, types.ReasonInternal, err
		}
		if allEmbedded(staged) {
			if err := transition(ctx, p.store, doc, types.StatusEmbedded, p.now()); err != nil {
				return nil, types.ReasonInternal, err
			}
		}
		return staged, "", nil
	}

	text, err := p.documentText(ctx, doc)
	if err != nil {
		if errors.Is(err, types.ErrContent) {
			return nil, types.ReasonContent, err
		}
		return nil, types.ReasonExtraction, err
	}

	doc.Metadata = p.extractor.Extract(extractor.Input{
		Title:        doc.Title,
		Text:         text,
		PublishedAt:  doc.PublishedAt,
		PublishedRaw: doc.PublishedRaw,
	})

	chunks := p.chunker.Chunk(doc.ID, doc.ContentHash, text)
	if len(chunks) == 0 {
		return nil, types.ReasonContent, types.Content("ingestion.chunk", errors.New("no chunks generated"))
	}

	if err := p.store.StageChunks(ctx, doc.ID, doc.ContentHash, chunks); err != nil {
		return nil, types.ReasonInternal, fmt.Errorf("stage chunks: %w", err)
	}
	if err := transition(ctx, p.store, doc, types.StatusChunked, p.now()); err != nil {
		return nil, types.ReasonInternal, err
	}

	staged = make([]*storage.StagedChunk, len(chunks))
	for i, c := range chunks {
		staged[i] = &storage.StagedChunk{Chunk: *c, ContentHash: doc.ContentHash}
	}
	return staged, "", nil
}

// documentText returns the article text: the fetched page first, then the
// item's own content, then its summary
func (p *Processor) documentText(ctx context.Context, doc *types.Document) (string, error) {
	var extractErr error
	if p.content != nil && isHTTP(doc.SourceURL) {
		text, err := p.content.Extract(ctx, doc.SourceURL)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			extractErr = err
			p.logger.Debug("page extraction failed, using feed content",
				"document_id", doc.ID, "error", err)
		case strings.TrimSpace(text) != "":
			return text, nil
		}
	}

	for _, raw := range []string{doc.RawContent, doc.Summary} {
		if text := plainText(raw); text != "" {
			return text, nil
		}
	}

	// A transient fetch failure may still succeed on retry
	if extractErr != nil && types.IsRetryable(extractErr) {
		return "", extractErr
	}
	return "", types.Content("ingestion.text", errors.New("no content available"))
}

// embed fills in the missing vectors of staged, one batch per call, and
// persists each batch as it completes
func (p *Processor) embed(ctx context.Context, doc *types.Document, staged []*storage.StagedChunk) error {
	if p.embedder == nil {
		return types.DependencyUnavailable("ingestion.embed", embedder.ErrNoProviderEnabled)
	}

	var missing []*storage.StagedChunk
	for _, sc := range staged {
		if sc.Vector == nil {
			missing = append(missing, sc)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for start := 0; start < len(missing); start += p.batchSize {
		batch := missing[start:min(start+p.batchSize, len(missing))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, sc := range batch {
				texts[i] = sc.Chunk.Text
			}

			resp, err := p.embedder.GenerateBatch(gctx, embedder.BatchEmbeddingRequest{Texts: texts})
			if err != nil {
				return fmt.Errorf("embed batch: %w", err)
			}
			if len(resp.Embeddings) != len(batch) {
				return fmt.Errorf("%w: got %d, want %d", embedder.ErrCountMismatch, len(resp.Embeddings), len(batch))
			}

			vectors := make(map[int][]float32, len(batch))
			for i, sc := range batch {
				vectors[sc.Chunk.SequenceIndex] = resp.Embeddings[i].Vector
			}
			// Persist under ctx so a sibling failure doesn't discard finished work
			if err := p.store.SetStagedVectors(ctx, doc.ID, vectors); err != nil {
				return fmt.Errorf("persist vectors: %w", err)
			}

			mu.Lock()
			for i, sc := range batch {
				sc.Vector = resp.Embeddings[i].Vector
			}
			mu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

// commit replaces the live chunk set, then the lexical postings, then marks
// the document ready
func (p *Processor) commit(ctx context.Context, doc *types.Document, staged []*storage.StagedChunk) error {
	items := make([]storage.ChunkWithVector, len(staged))
	chunks := make([]*types.Chunk, len(staged))
	for i, sc := range staged {
		c := sc.Chunk
		chunks[i] = &c
		items[i] = storage.ChunkWithVector{Chunk: chunks[i], Vector: sc.Vector}
	}

	model := ""
	if p.embedder != nil {
		model = p.embedder.Model()
	}
	if err := p.store.UpsertChunks(ctx, doc.ID, items, model); err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	p.index.Replace(doc.ID, chunks)

	doc.ReadyHash = doc.ContentHash
	doc.ChunkCount = len(chunks)
	doc.RetryCount = 0
	doc.Terminal = false
	doc.FailureReason = ""
	doc.FailureMessage = ""
	doc.FailedAt = nil
	doc.NextRetryAt = nil
	if err := transition(ctx, p.store, doc, types.StatusReady, p.now()); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}

	if err := p.store.ClearStagedChunks(ctx, doc.ID); err != nil {
		p.logger.Warn("failed to clear staged chunks", "document_id", doc.ID, "error", err)
	}
	if p.onCommit != nil {
		p.onCommit(doc.ID)
	}
	return nil
}

// abort ends a run that hit err. Shutdown and lost leases leave the document
// for recovery; anything else is recorded as a failure.
func (p *Processor) abort(ctx, leaseCtx context.Context, doc *types.Document, reason types.FailureReason, err error) error {
	switch {
	case ctx.Err() != nil:
		p.logger.Info("processing interrupted", "document_id", doc.ID, "status", doc.Status)
		return ctx.Err()
	case leaseCtx.Err() != nil:
		// The watchdog already recorded lock_expired
		return fmt.Errorf("document %s: lease lost: %w", doc.ID, err)
	case errors.Is(err, storage.ErrConflict):
		p.logger.Warn("document changed underneath worker", "document_id", doc.ID, "status", doc.Status)
		return nil
	}
	return p.fail(ctx, doc, reason, err)
}

// fail records a failed attempt on doc and moves it to failed. A content
// error, or the last allowed attempt, makes the failure terminal.
func (p *Processor) fail(ctx context.Context, doc *types.Document, reason types.FailureReason, cause error) error {
	now := p.now()
	if errors.Is(cause, types.ErrContent) {
		reason = types.ReasonContent
	}

	doc.RetryCount++
	doc.FailedAt = &now
	doc.FailureReason = reason
	doc.FailureMessage = truncate(cause.Error(), maxFailureMessage)
	doc.Terminal = reason == types.ReasonContent || doc.RetryCount >= p.maxRetry

	if doc.Terminal {
		doc.NextRetryAt = nil
		if reason != types.ReasonContent {
			doc.FailureReason = types.ReasonRetryExhausted
			doc.FailureMessage = truncate(fmt.Sprintf("%s: %s", reason, cause.Error()), maxFailureMessage)
		}
	} else {
		next := now.Add(retry.Backoff(doc.RetryCount, p.backoff))
		doc.NextRetryAt = &next
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := transition(wctx, p.store, doc, types.StatusFailed, now); err != nil {
		p.logger.Error("failed to record document failure",
			"document_id", doc.ID, "reason", reason, "cause", cause, "error", err)
		return fmt.Errorf("%s: %w", reason, cause)
	}

	p.logger.Warn("document failed",
		"document_id", doc.ID,
		"reason", doc.FailureReason,
		"retry_count", doc.RetryCount,
		"terminal", doc.Terminal,
		"error", cause)
	return fmt.Errorf("%s: %w", doc.FailureReason, cause)
}

// expire is the lease watchdog hook
func (p *Processor) expire(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		p.logger.Error("failed to load expired document", "document_id", documentID, "error", err)
		return
	}
	if !inFlight(doc.Status) {
		return
	}
	_ = p.fail(ctx, doc, types.ReasonLockExpired, errors.New("processing lease expired"))
}

// RecoverStale fails in-flight documents nobody holds a lease for, which is
// what a crash mid-run leaves behind. Returns the number recovered.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []types.DocumentStatus{types.StatusProcessing, types.StatusChunked, types.StatusEmbedded} {
		docs, err := p.store.ListDocuments(ctx, storage.DocumentFilter{Status: &status})
		if err != nil {
			return recovered, fmt.Errorf("list %s documents: %w", status, err)
		}
		for _, doc := range docs {
			if p.locks.Held(doc.ID) {
				continue
			}
			_ = p.fail(ctx, doc, types.ReasonLockExpired, errors.New("processing interrupted"))
			recovered++
		}
	}
	return recovered, nil
}

// PromoteRetries moves failed documents whose retry is due back to pending
func (p *Processor) PromoteRetries(ctx context.Context) (int, error) {
	due, err := p.store.ListRetryDue(ctx, p.now())
	if err != nil {
		return 0, fmt.Errorf("list retry due: %w", err)
	}
	promoted := 0
	for _, doc := range due {
		err := transition(ctx, p.store, doc, types.StatusPending, p.now())
		switch {
		case err == nil:
			promoted++
		case errors.Is(err, storage.ErrConflict):
		default:
			return promoted, err
		}
	}
	return promoted, nil
}

// Retry resets a failed document's retry budget and queues it again
func (p *Processor) Retry(ctx context.Context, documentID string) (*types.Document, error) {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Tombstoned {
		return nil, fmt.Errorf("document %s: %w", documentID, storage.ErrNotFound)
	}
	if doc.Status != types.StatusFailed {
		return nil, fmt.Errorf("%w: document %s is %s", ErrInvalidTransition, documentID, doc.Status)
	}

	doc.RetryCount = 0
	doc.Terminal = false
	doc.NextRetryAt = nil
	if err := transition(ctx, p.store, doc, types.StatusPending, p.now()); err != nil {
		return nil, err
	}
	return doc, nil
}

func allEmbedded(staged []*storage.StagedChunk) bool {
	for _, sc := range staged {
		if sc.Vector == nil {
			return false
		}
	}
	return true
}

// plainText returns s with markup stripped when it looks like HTML
func plainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "<") {
		if text, err := ExtractText([]byte(s)); err == nil {
			return text
		}
	}
	return s
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
