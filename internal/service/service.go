package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/newsrag/internal/chunker"
	"github.com/dshills/newsrag/internal/config"
	"github.com/dshills/newsrag/internal/embedder"
	"github.com/dshills/newsrag/internal/extractor"
	"github.com/dshills/newsrag/internal/ingestion"
	"github.com/dshills/newsrag/internal/lexical"
	"github.com/dshills/newsrag/internal/reranker"
	"github.com/dshills/newsrag/internal/retry"
	"github.com/dshills/newsrag/internal/searcher"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

// Option overrides a collaborator that New would otherwise build from config
type Option func(*options)

type options struct {
	store    storage.Storage
	source   ingestion.FeedSource
	content  ingestion.ContentExtractor
	noPages  bool
	embedder embedder.Embedder
	reranker reranker.Reranker
	logger   *slog.Logger
	clock    func() time.Time
}

// WithStore uses store instead of opening the configured database. The
// caller keeps ownership; Close will not close it.
func WithStore(store storage.Storage) Option {
	return func(o *options) { o.store = store }
}

// WithFeedSource replaces the gofeed-backed feed source
func WithFeedSource(src ingestion.FeedSource) Option {
	return func(o *options) { o.source = src }
}

// WithContentExtractor replaces the goquery page extractor. A nil extractor
// disables page fetching so only feed content is used.
func WithContentExtractor(ce ingestion.ContentExtractor) Option {
	return func(o *options) {
		o.content = ce
		o.noPages = ce == nil
	}
}

// WithEmbedder replaces the configured embedding provider
func WithEmbedder(emb embedder.Embedder) Option {
	return func(o *options) { o.embedder = emb }
}

// WithReranker replaces the configured reranker
func WithReranker(rr reranker.Reranker) Option {
	return func(o *options) { o.reranker = rr }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Service is the core API: feed registry, ingestion control, document
// inspection and hybrid query. It owns the background workers.
type Service struct {
	cfg       *config.Config
	store     storage.Storage
	ownsStore bool
	lexical   *lexical.Index
	embedder  embedder.Embedder
	reranker  reranker.Reranker

	processor *ingestion.Processor
	pool      *ingestion.Pool
	ingestor  *ingestion.Ingestor
	scheduler *ingestion.Scheduler
	searcher  *searcher.Searcher

	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// New wires a Service from cfg. Nothing runs in the background until Start.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	s := &Service{
		cfg:    cfg,
		now:    o.clock,
		logger: o.logger,
	}

	ch, err := chunker.New(
		chunker.WithChunkSize(cfg.Chunking.Size),
		chunker.WithOverlap(cfg.Chunking.Overlap))
	if err != nil {
		return nil, err
	}

	s.store = o.store
	if s.store == nil {
		store, err := openStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.ownsStore = true
	}

	s.embedder = o.embedder
	if s.embedder == nil {
		emb, err := embedder.New(embedderConfig(cfg, o.logger))
		if err != nil {
			s.closeStore()
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		s.embedder = emb
	}

	s.reranker = o.reranker
	if s.reranker == nil {
		rr, err := reranker.New(rerankerConfig(cfg, o.logger))
		switch {
		case errors.Is(err, reranker.ErrNoProvider):
			// queries asking for reranking report reranker_unavailable
		case err != nil:
			s.closeStore()
			return nil, fmt.Errorf("failed to initialize reranker: %w", err)
		default:
			s.reranker = rr
		}
	}

	s.lexical = lexical.New(lexical.WithParams(cfg.Search.BM25K1, cfg.Search.BM25B))

	fetchOpts := []ingestion.SourceOption{
		ingestion.WithUserAgent(cfg.Fetch.UserAgent),
		ingestion.WithFetchTimeout(cfg.Fetch.Timeout.Duration),
		ingestion.WithFetchRate(cfg.Fetch.RatePerSec),
		ingestion.WithFetchRetry(retryConfig(cfg, cfg.Fetch.Timeout.Duration)),
		ingestion.WithSourceLogger(o.logger),
	}
	source := o.source
	if source == nil {
		source = ingestion.NewGoFeedSource(fetchOpts...)
	}
	content := o.content
	if content == nil && !o.noPages {
		content = ingestion.NewHTMLExtractor(fetchOpts...)
	}

	s.searcher = searcher.NewSearcher(s.store, s.lexical, s.embedder, s.reranker, searcher.Config{
		RRFConstant:  cfg.Search.RRFK,
		RerankTopN:   cfg.Search.RerankTopN,
		CacheSize:    cfg.Search.CacheSize,
		QueryTimeout: cfg.Search.QueryTimeout.Duration,
		Logger:       o.logger,
	})

	ext := extractor.New(
		extractor.WithConfidenceThreshold(cfg.Ingestion.EntityConfidenceThreshold),
		extractor.WithLogger(o.logger))

	s.processor = ingestion.NewProcessor(s.store, content, ext, ch, s.embedder, s.lexical, ingestion.ProcessorConfig{
		EmbeddingBatchSize: cfg.Ingestion.EmbeddingBatchSize,
		MaxRetry:           cfg.Ingestion.MaxRetry,
		LockGrace:          cfg.Ingestion.LockGrace.Duration,
		Logger:             o.logger,
		Clock:              o.clock,
		OnCommit:           func(string) { s.searcher.InvalidateCache() },
	})

	s.pool, err = ingestion.NewPool(s.processor, s.store, ingestion.PoolConfig{
		Concurrency:      cfg.Ingestion.Concurrency,
		DispatchInterval: cfg.Ingestion.DispatchInterval.Duration,
		Logger:           o.logger,
	})
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	s.ingestor = ingestion.NewIngestor(s.store, source, s.pool,
		ingestion.WithIngestorLogger(o.logger),
		ingestion.WithIngestorClock(o.clock))
	s.scheduler = ingestion.NewScheduler(s.store, s.ingestor, cfg.Scheduler.Tick.Duration, o.logger)

	s.logger = o.logger.With("component", "service")
	return s, nil
}

// Start rebuilds the lexical index from storage, then starts the lock
// watchdog, the worker pool and (when enabled) the feed scheduler
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service is closed")
	}
	if s.started {
		return nil
	}

	n, err := s.rebuildLexical(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild lexical index: %w", err)
	}

	s.processor.Locks().Start()
	if err := s.pool.Start(ctx); err != nil {
		s.processor.Locks().Stop()
		return err
	}
	if s.cfg.Scheduler.Enabled {
		if err := s.scheduler.Start(); err != nil {
			s.pool.Stop()
			s.processor.Locks().Stop()
			return err
		}
	}

	s.started = true
	s.logger.Info("service started",
		"documents_indexed", n,
		"embedding_provider", s.embedder.Provider(),
		"embedding_model", s.embedder.Model(),
		"reranker", s.rerankerModel(),
		"scheduler", s.cfg.Scheduler.Enabled)
	return nil
}

// Stop halts the scheduler, cancels in-flight polls and drains the workers
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false

	if s.cfg.Scheduler.Enabled {
		s.scheduler.Stop()
	}
	s.pool.Stop()
	s.processor.Locks().Stop()
	s.logger.Info("service stopped")
}

// Close stops the service and releases the embedder and owned storage
func (s *Service) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ingestor.Close()

	var errs []error
	if err := s.embedder.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// rebuildLexical loads every committed chunk set into the in-memory index
func (s *Service) rebuildLexical(ctx context.Context) (int, error) {
	chunks, err := s.store.ListLiveChunks(ctx)
	if err != nil {
		return 0, err
	}

	byDoc := make(map[string][]*types.Chunk)
	var order []string
	for _, c := range chunks {
		if _, ok := byDoc[c.DocumentID]; !ok {
			order = append(order, c.DocumentID)
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}
	for _, id := range order {
		s.lexical.Replace(id, byDoc[id])
	}
	s.searcher.InvalidateCache()
	return len(order), nil
}

func (s *Service) rerankerModel() string {
	if s.reranker == nil {
		return reranker.ProviderNone
	}
	return s.reranker.Model()
}

func (s *Service) closeStore() {
	if s.ownsStore {
		_ = s.store.Close()
	}
}

// openStore opens the SQLite database at path, creating its directory
func openStore(path string) (*storage.SQLiteStorage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func retryConfig(cfg *config.Config, attemptTimeout time.Duration) retry.Config {
	rc := retry.Default()
	rc.MaxAttempts = cfg.Retry.Attempts
	rc.BaseDelay = cfg.Retry.BaseDelay.Duration
	rc.AttemptTimeout = attemptTimeout
	return rc
}

func embedderConfig(cfg *config.Config, logger *slog.Logger) embedder.Config {
	return embedder.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		CacheSize: cfg.Embedding.CacheSize,
		Timeout:   cfg.Embedding.Timeout.Duration,
		Retry:     retryConfig(cfg, cfg.Embedding.Timeout.Duration),
		Logger:    logger,
	}
}

func rerankerConfig(cfg *config.Config, logger *slog.Logger) reranker.Config {
	return reranker.Config{
		Provider: cfg.Reranker.Provider,
		Model:    cfg.Reranker.Model,
		BaseURL:  cfg.Reranker.BaseURL,
		Timeout:  cfg.Reranker.Timeout.Duration,
		Retry:    retryConfig(cfg, cfg.Reranker.Timeout.Duration),
		Logger:   logger,
	}
}
