package ingestion

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

// mockSource is a FeedSource serving a settable item list
type mockSource struct {
	mu    sync.Mutex
	items []RawItem
	err   error
	block chan struct{}
}

func (m *mockSource) set(items []RawItem, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
	m.err = err
}

func (m *mockSource) Items(ctx context.Context, feed *types.Feed) iter.Seq2[RawItem, error] {
	return func(yield func(RawItem, error) bool) {
		if m.block != nil {
			select {
			case <-m.block:
			case <-ctx.Done():
				yield(RawItem{}, ctx.Err())
				return
			}
		}
		m.mu.Lock()
		items, err := m.items, m.err
		m.mu.Unlock()

		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
		if err != nil {
			yield(RawItem{}, err)
		}
	}
}

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Notify() { c.n.Add(1) }

func newTestFeed(t *testing.T, h *harness, id string) *types.Feed {
	t.Helper()
	feed := &types.Feed{
		ID:              id,
		Name:            "Feed " + id,
		URL:             "https://news.example.com/" + id + ".xml",
		UpdateFrequency: types.FrequencyHourly,
		Interval:        time.Hour,
		Status:          types.FeedActive,
		NextDueAt:       h.clock.Now(),
		CreatedAt:       h.clock.Now(),
		UpdatedAt:       h.clock.Now(),
	}
	require.NoError(t, h.store.CreateFeed(context.Background(), feed))
	return feed
}

func acmeItems() []RawItem {
	return []RawItem{
		{Title: "Acme raises $10M", Link: "https://news.example.com/acme", Summary: "Acme raised $10M Series A led by Sequoia."},
		{Title: "Globex partners", Link: "https://news.example.com/globex", Summary: "Globex announced a partnership with Initech."},
		{Title: "Acme raises $10M (dup)", Link: "https://news.example.com/acme", Summary: "duplicate"},
	}
}

func TestPoll_CreatesDocuments(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	src := &mockSource{items: acmeItems()}
	notifier := &countingNotifier{}
	in := NewIngestor(h.store, src, notifier, WithIngestorClock(h.clock.Now))
	defer in.Close()
	ctx := context.Background()

	result := in.Poll(ctx, "run-1", feed)
	assert.Equal(t, 3, result.ItemsSeen)
	assert.Equal(t, 2, result.DocumentsCreated)
	assert.Zero(t, result.ItemsFailed)
	assert.Len(t, result.DocumentIDs, 2)
	assert.Empty(t, result.PollError)
	assert.Equal(t, int32(1), notifier.n.Load())

	doc, err := h.store.GetDocumentBySource(ctx, "f1", "https://news.example.com/acme")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, doc.Status)
	assert.Equal(t, "Acme raised $10M Series A led by Sequoia.", doc.Summary)

	updated, err := h.store.GetFeed(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, updated.LastFetchedAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), updated.NextDueAt.UTC())

	runs, err := h.store.ListRuns(ctx, "f1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 2, runs[0].DocumentsCreated)
}

func TestPoll_IdempotentReingestion(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	src := &mockSource{items: acmeItems()[:1]}
	in := NewIngestor(h.store, src, nil, WithIngestorClock(h.clock.Now))
	defer in.Close()
	ctx := context.Background()

	first := in.Poll(ctx, "run-1", feed)
	require.Equal(t, 1, first.DocumentsCreated)
	id := first.DocumentIDs[0]
	require.NoError(t, h.proc.Process(ctx, id))
	chunksBefore, err := h.store.ListChunksByDocument(ctx, id)
	require.NoError(t, err)

	second := in.Poll(ctx, "run-2", feed)
	assert.Zero(t, second.DocumentsCreated)
	assert.Zero(t, second.DocumentsUpdated)
	assert.Equal(t, 1, second.DocumentsUnchanged)

	doc := h.get(t, id)
	assert.Equal(t, types.StatusReady, doc.Status)
	chunksAfter, err := h.store.ListChunksByDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chunksBefore, chunksAfter)

	docs, err := h.store.ListDocuments(ctx, storage.DocumentFilter{FeedID: "f1"})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestPoll_ChangedContentRequeues(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	src := &mockSource{items: acmeItems()[:1]}
	in := NewIngestor(h.store, src, nil, WithIngestorClock(h.clock.Now))
	defer in.Close()
	ctx := context.Background()

	id := in.Poll(ctx, "run-1", feed).DocumentIDs[0]
	require.NoError(t, h.proc.Process(ctx, id))
	ready := h.get(t, id)

	src.set([]RawItem{{
		Title:   "Acme raises $12M",
		Link:    "https://news.example.com/acme",
		Summary: "Acme raised $12M Series A led by Sequoia.",
	}}, nil)
	result := in.Poll(ctx, "run-2", feed)
	assert.Equal(t, 1, result.DocumentsUpdated)

	doc := h.get(t, id)
	assert.Equal(t, types.StatusPending, doc.Status)
	assert.NotEqual(t, ready.ContentHash, doc.ContentHash)
	assert.Equal(t, ready.ContentHash, doc.ReadyHash)
	assert.Zero(t, doc.RetryCount)
	assert.Equal(t, "Acme raised $12M Series A led by Sequoia.", doc.Summary)
}

func TestPoll_RevertedContentReturnsToReady(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	src := &mockSource{items: acmeItems()[:1]}
	in := NewIngestor(h.store, src, nil, WithIngestorClock(h.clock.Now))
	defer in.Close()
	ctx := context.Background()

	id := in.Poll(ctx, "run-1", feed).DocumentIDs[0]
	require.NoError(t, h.proc.Process(ctx, id))
	ready := h.get(t, id)

	src.set([]RawItem{{
		Title:   "Acme raises $12M",
		Link:    "https://news.example.com/acme",
		Summary: "Acme raised $12M Series A led by Sequoia.",
	}}, nil)
	in.Poll(ctx, "run-2", feed)
	src.set(acmeItems()[:1], nil)
	result := in.Poll(ctx, "run-3", feed)
	assert.Equal(t, 1, result.DocumentsUpdated)

	doc := h.get(t, id)
	assert.Equal(t, types.StatusPending, doc.Status)
	assert.Equal(t, doc.ReadyHash, doc.ContentHash)

	h.emb.resetCount()
	require.NoError(t, h.proc.Process(ctx, id))
	assert.Zero(t, h.emb.embeddedTexts())

	doc = h.get(t, id)
	assert.Equal(t, types.StatusReady, doc.Status)
	assert.Equal(t, ready.ChunkCount, doc.ChunkCount)
	assert.Equal(t, ready.ContentHash, doc.ReadyHash)
}

func TestPoll_LeavesInFlightDocumentsAlone(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	src := &mockSource{items: acmeItems()[:1]}
	in := NewIngestor(h.store, src, nil, WithIngestorClock(h.clock.Now))
	defer in.Close()
	ctx := context.Background()

	id := in.Poll(ctx, "run-1", feed).DocumentIDs[0]
	doc := h.get(t, id)
	require.NoError(t, transition(ctx, h.store, doc, types.StatusProcessing, h.clock.Now()))

	src.set([]RawItem{{Title: "Changed", Link: "https://news.example.com/acme"}}, nil)
	result := in.Poll(ctx, "run-2", feed)
	assert.Equal(t, 1, result.DocumentsUnchanged)

	current := h.get(t, id)
	assert.Equal(t, types.StatusProcessing, current.Status)
	assert.Equal(t, doc.ContentHash, current.ContentHash)
}

func TestPoll_FailureMarksFeed(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	src := &mockSource{err: types.Transient("feed.fetch", errors.New("http 503"))}
	in := NewIngestor(h.store, src, nil, WithIngestorClock(h.clock.Now))
	defer in.Close()
	ctx := context.Background()

	result := in.Poll(ctx, "run-1", feed)
	assert.Contains(t, result.PollError, "503")
	require.Len(t, result.Errors, 1)

	failed, err := h.store.GetFeed(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, types.FeedError, failed.Status)
	assert.Contains(t, failed.LastError, "503")

	src.set(acmeItems(), nil)
	in.Poll(ctx, "run-2", feed)
	recovered, err := h.store.GetFeed(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, types.FeedActive, recovered.Status)
	assert.Empty(t, recovered.LastError)
}

func TestPoll_ErrorsAreCapped(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	items := make([]RawItem, 15)
	for i := range items {
		items[i] = RawItem{Title: "no link"}
	}
	in := NewIngestor(h.store, &mockSource{items: items}, nil)
	defer in.Close()

	result := in.Poll(context.Background(), "run-1", feed)
	assert.Equal(t, 15, result.ItemsFailed)
	assert.Len(t, result.Errors, maxRunErrors)
}

func TestTriggerIngestion(t *testing.T) {
	h := newHarness(t, nil)
	newTestFeed(t, h, "f1")
	src := &mockSource{items: acmeItems(), block: make(chan struct{})}
	in := NewIngestor(h.store, src, nil, WithIngestorClock(h.clock.Now))
	defer in.Close()
	ctx := context.Background()

	run, err := in.TriggerIngestion(ctx, "f1")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "f1", run.FeedID)
	assert.Nil(t, run.Result())
	assert.True(t, in.InFlight("f1"))

	again, err := in.TriggerIngestion(ctx, "f1")
	require.NoError(t, err)
	assert.Same(t, run, again)

	close(src.block)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := run.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DocumentsCreated)
	assert.Same(t, result, run.Result())

	<-run.Done()
	assert.False(t, in.InFlight("f1"))
}

func TestTriggerIngestion_Rejects(t *testing.T) {
	h := newHarness(t, nil)
	feed := newTestFeed(t, h, "f1")
	feed.Status = types.FeedPaused
	require.NoError(t, h.store.UpdateFeed(context.Background(), feed))
	in := NewIngestor(h.store, &mockSource{}, nil)
	ctx := context.Background()

	_, err := in.TriggerIngestion(ctx, "f1")
	assert.ErrorIs(t, err, ErrFeedPaused)

	_, err = in.TriggerIngestion(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	in.Close()
	feed.Status = types.FeedActive
	require.NoError(t, h.store.UpdateFeed(ctx, feed))
	_, err = in.TriggerIngestion(ctx, "f1")
	assert.Error(t, err)
}

func TestWaitForDocuments(t *testing.T) {
	h := newHarness(t, nil)
	h.addDocument(t, "d1", acmeArticle)
	h.addDocument(t, "d2", "")
	ctx := context.Background()

	go func() {
		_ = h.proc.Process(ctx, "d1")
		_ = h.proc.Process(ctx, "d2")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	docs, err := WaitForDocuments(waitCtx, h.store, []string{"d1", "d2"}, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, docs["d1"].Status)
	assert.Equal(t, types.StatusFailed, docs["d2"].Status)
	assert.True(t, docs["d2"].Terminal)
}

func TestWaitForDocuments_Timeout(t *testing.T) {
	h := newHarness(t, nil)
	h.addDocument(t, "d1", acmeArticle)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	docs, err := WaitForDocuments(ctx, h.store, []string{"d1"}, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.StatusPending, docs["d1"].Status)
}
