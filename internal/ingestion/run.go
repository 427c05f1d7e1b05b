package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

// maxRunErrors caps the error messages kept on a run summary
const maxRunErrors = 10

// ErrFeedPaused is returned when ingestion is triggered for a paused feed
var ErrFeedPaused = errors.New("feed is paused")

// Notifier is woken after a poll creates or updates documents
type Notifier interface {
	Notify()
}

// RunResult summarizes one feed poll
type RunResult struct {
	ItemsSeen          int
	DocumentsCreated   int
	DocumentsUpdated   int
	DocumentsUnchanged int
	ItemsFailed        int
	Errors             []string
	DocumentIDs        []string
	FinishedAt         time.Time
	// PollError is set when the feed itself could not be fetched or parsed
	PollError string
}

func (r *RunResult) addError(msg string) {
	if len(r.Errors) < maxRunErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// IngestionRun is a handle on an asynchronous feed poll
type IngestionRun struct {
	ID        string
	FeedID    string
	StartedAt time.Time

	done   chan struct{}
	result *RunResult
}

func newRun(feedID string, now time.Time) *IngestionRun {
	return &IngestionRun{
		ID:        uuid.NewString(),
		FeedID:    feedID,
		StartedAt: now,
		done:      make(chan struct{}),
	}
}

// Done is closed when the poll has finished
func (r *IngestionRun) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the poll finishes or ctx is done
func (r *IngestionRun) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the summary, or nil while the poll is running
func (r *IngestionRun) Result() *RunResult {
	select {
	case <-r.done:
		return r.result
	default:
		return nil
	}
}

func (r *IngestionRun) finish(result *RunResult) {
	r.result = result
	close(r.done)
}

// IngestorOption configures an Ingestor
type IngestorOption func(*Ingestor)

// WithIngestorLogger sets the logger
func WithIngestorLogger(logger *slog.Logger) IngestorOption {
	return func(in *Ingestor) { in.logger = logger }
}

// WithIngestorClock overrides the time source
func WithIngestorClock(now func() time.Time) IngestorOption {
	return func(in *Ingestor) { in.now = now }
}

// Ingestor polls feeds and upserts their items as pending documents. At
// most one poll per feed runs at a time.
type Ingestor struct {
	store    storage.Storage
	source   FeedSource
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*IngestionRun
	wg   sync.WaitGroup
}

// NewIngestor creates an Ingestor. notifier may be nil.
func NewIngestor(store storage.Storage, source FeedSource, notifier Notifier, opts ...IngestorOption) *Ingestor {
	in := &Ingestor{
		store:    store,
		source:   source,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
		runs:     make(map[string]*IngestionRun),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.With("component", "ingestor")
	in.ctx, in.cancel = context.WithCancel(context.Background())
	return in
}

// TriggerIngestion starts polling the feed in the background. If a poll of
// the feed is already running its handle is returned instead.
func (in *Ingestor) TriggerIngestion(ctx context.Context, feedID string) (*IngestionRun, error) {
	feed, err := in.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if feed.Status == types.FeedPaused {
		return nil, fmt.Errorf("%w: %s", ErrFeedPaused, feedID)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if run, ok := in.runs[feedID]; ok {
		return run, nil
	}
	if in.ctx.Err() != nil {
		return nil, fmt.Errorf("ingestor closed: %w", in.ctx.Err())
	}

	run := newRun(feedID, in.now())
	in.runs[feedID] = run
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		result := in.Poll(in.ctx, run.ID, feed)

		in.mu.Lock()
		delete(in.runs, feedID)
		in.mu.Unlock()
		run.finish(result)
	}()
	return run, nil
}

// InFlight reports whether a poll of feedID is running
func (in *Ingestor) InFlight(feedID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.runs[feedID]
	return ok
}

// Close cancels running polls and waits for them to exit
func (in *Ingestor) Close() {
	in.cancel()
	in.wg.Wait()
}

// Poll fetches the feed once and upserts its items. The feed's fetch
// bookkeeping and the run record are persisted before it returns.
func (in *Ingestor) Poll(ctx context.Context, runID string, feed *types.Feed) *RunResult {
	started := in.now()
	logger := in.logger.With("feed_id", feed.ID, "run_id", runID)
	result := &RunResult{}
	seen := make(map[string]struct{})

	var pollErr error
	for item, err := range in.source.Items(ctx, feed) {
		if err != nil {
			pollErr = err
			result.PollError = err.Error()
			result.addError(err.Error())
			break
		}
		result.ItemsSeen++

		sourceURL := item.SourceURL()
		if sourceURL == "" {
			result.ItemsFailed++
			result.addError(fmt.Sprintf("item %q has no link", item.Title))
			continue
		}
		if _, dup := seen[sourceURL]; dup {
			continue
		}
		seen[sourceURL] = struct{}{}

		outcome, docID, err := in.upsert(ctx, feed, item)
		if err != nil {
			result.ItemsFailed++
			result.addError(fmt.Sprintf("%s: %v", sourceURL, err))
			logger.Warn("failed to upsert item", "url", sourceURL, "error", err)
			continue
		}
		switch outcome {
		case outcomeCreated:
			result.DocumentsCreated++
		case outcomeUpdated:
			result.DocumentsUpdated++
		default:
			result.DocumentsUnchanged++
		}
		result.DocumentIDs = append(result.DocumentIDs, docID)
	}
	result.FinishedAt = in.now()

	// Bookkeeping must land even if the poll was cut short
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	in.recordFetch(wctx, feed.ID, result.FinishedAt, pollErr, logger)

	record := &storage.RunRecord{
		ID:                 runID,
		FeedID:             feed.ID,
		StartedAt:          started,
		FinishedAt:         &result.FinishedAt,
		ItemsSeen:          result.ItemsSeen,
		DocumentsCreated:   result.DocumentsCreated,
		DocumentsUpdated:   result.DocumentsUpdated,
		DocumentsUnchanged: result.DocumentsUnchanged,
		ItemsFailed:        result.ItemsFailed,
		Errors:             result.Errors,
	}
	if err := in.store.RecordRun(wctx, record); err != nil {
		logger.Error("failed to record ingestion run", "error", err)
	}

	if in.notifier != nil && result.DocumentsCreated+result.DocumentsUpdated > 0 {
		in.notifier.Notify()
	}

	logger.Info("feed polled",
		"items", result.ItemsSeen,
		"created", result.DocumentsCreated,
		"updated", result.DocumentsUpdated,
		"unchanged", result.DocumentsUnchanged,
		"failed", result.ItemsFailed,
		"duration", result.FinishedAt.Sub(started))
	return result
}

// recordFetch reloads the feed so a concurrent pause or rename survives
func (in *Ingestor) recordFetch(ctx context.Context, feedID string, at time.Time, pollErr error, logger *slog.Logger) {
	feed, err := in.store.GetFeed(ctx, feedID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("failed to reload feed", "error", err)
		}
		return
	}
	feed.MarkFetched(at, pollErr)
	if err := in.store.UpdateFeed(ctx, feed); err != nil {
		logger.Error("failed to update feed", "error", err)
	}
}

type upsertOutcome int

const (
	outcomeUnchanged upsertOutcome = iota
	outcomeCreated
	outcomeUpdated
)

// upsert applies one feed item to its document. Unchanged content is left to
// whatever state the document is in. Changed content re-queues the document
// unless a worker is mid-run, in which case the next poll picks it up.
func (in *Ingestor) upsert(ctx context.Context, feed *types.Feed, item RawItem) (upsertOutcome, string, error) {
	sourceURL := item.SourceURL()
	hash := types.ComputeContentHash(item.Title, sourceURL, item.Summary, item.Content)
	now := in.now()

	existing, err := in.store.GetDocumentBySource(ctx, feed.ID, sourceURL)
	if errors.Is(err, storage.ErrNotFound) {
		doc := &types.Document{
			ID:           uuid.NewString(),
			FeedID:       feed.ID,
			SourceURL:    sourceURL,
			Title:        item.Title,
			Summary:      item.Summary,
			RawContent:   item.Content,
			PublishedRaw: item.PublishedRaw,
			PublishedAt:  item.PublishedAt,
			ContentHash:  hash,
			Status:       types.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := in.store.CreateDocument(ctx, doc); err != nil {
			return outcomeUnchanged, "", err
		}
		return outcomeCreated, doc.ID, nil
	}
	if err != nil {
		return outcomeUnchanged, "", err
	}

	if existing.ContentHash == hash || inFlight(existing.Status) {
		return outcomeUnchanged, existing.ID, nil
	}

	from := existing.Status
	existing.Title = item.Title
	existing.Summary = item.Summary
	existing.RawContent = item.Content
	existing.PublishedRaw = item.PublishedRaw
	existing.PublishedAt = item.PublishedAt
	existing.ContentHash = hash
	existing.RetryCount = 0
	existing.Terminal = false
	existing.FailureReason = ""
	existing.FailureMessage = ""
	existing.FailedAt = nil
	existing.NextRetryAt = nil

	if from == types.StatusPending {
		existing.UpdatedAt = now
		err = in.store.TransitionDocument(ctx, existing, from)
	} else {
		err = transition(ctx, in.store, existing, types.StatusPending, now)
	}
	if errors.Is(err, storage.ErrConflict) {
		// A worker claimed it between our read and write
		return outcomeUnchanged, existing.ID, nil
	}
	if err != nil {
		return outcomeUnchanged, "", err
	}
	return outcomeUpdated, existing.ID, nil
}

// WaitForDocuments polls until every document is ready or terminally
// failed, or ctx is done. It returns the last observed documents.
func WaitForDocuments(ctx context.Context, store storage.Storage, ids []string, interval time.Duration) (map[string]*types.Document, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last map[string]*types.Document
	for {
		docs, err := store.GetDocuments(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		last = docs
		if settled(docs, ids) {
			return docs, nil
		}
		select {
		case <-ctx.Done():
			return docs, ctx.Err()
		case <-ticker.C:
		}
	}
}

func settled(docs map[string]*types.Document, ids []string) bool {
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok {
			continue
		}
		if doc.Tombstoned {
			continue
		}
		if doc.Status == types.StatusReady || (doc.Status == types.StatusFailed && doc.Terminal) {
			continue
		}
		return false
	}
	return true
}
