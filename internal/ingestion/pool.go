package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

const (
	// DefaultConcurrency is the number of documents processed at once
	DefaultConcurrency = 4
	// DefaultDispatchInterval is how often the dispatcher wakes on its own
	DefaultDispatchInterval = 5 * time.Second
	// DefaultDrainTimeout bounds how long Stop waits for running documents
	DefaultDrainTimeout = 30 * time.Second
)

// PoolConfig configures a Pool
type PoolConfig struct {
	Concurrency      int
	DispatchInterval time.Duration
	DrainTimeout     time.Duration
	Logger           *slog.Logger
}

// Pool feeds pending documents to a bounded set of workers. A dispatcher
// loop wakes on Notify or every dispatch interval, promotes due retries and
// submits every pending document not already queued.
type Pool struct {
	processor *Processor
	store     storage.Storage
	workers   *ants.Pool

	interval     time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger

	notify      chan struct{}
	dispatching tryLock

	mu     sync.Mutex
	queued map[string]struct{}

	running    tryLock
	taskCtx    context.Context
	taskCancel context.CancelFunc
	stop       chan struct{}
	loopDone   chan struct{}
	tasks      sync.WaitGroup
}

// NewPool creates a Pool around processor. Call Start to begin dispatching.
func NewPool(processor *Processor, store storage.Storage, cfg PoolConfig) (*Pool, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		processor:    processor,
		store:        store,
		interval:     cfg.DispatchInterval,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger.With("component", "worker-pool"),
		notify:       make(chan struct{}, 1),
		queued:       make(map[string]struct{}),
	}

	workers, err := ants.NewPool(cfg.Concurrency,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			p.logger.Error("worker panic", "panic", r)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	p.workers = workers
	return p, nil
}

// Start recovers documents a previous process left in flight, then launches
// the dispatcher. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	if !p.running.TryAcquire() {
		return nil
	}

	if n, err := p.processor.RecoverStale(ctx); err != nil {
		p.running.Release()
		return fmt.Errorf("recover in-flight documents: %w", err)
	} else if n > 0 {
		p.logger.Info("recovered interrupted documents", "count", n)
	}

	if p.workers.IsClosed() {
		p.workers.Reboot()
	}

	p.mu.Lock()
	p.taskCtx, p.taskCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.stop = make(chan struct{})
	p.loopDone = make(chan struct{})
	stop, done := p.stop, p.loopDone
	p.mu.Unlock()

	go p.loop(stop, done)
	p.Notify()
	return nil
}

// Notify wakes the dispatcher. It never blocks.
func (p *Pool) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-p.notify:
		}
		if _, err := p.Dispatch(p.context()); err != nil {
			p.logger.Error("dispatch failed", "error", err)
		}
	}
}

// Dispatch runs one dispatcher pass and returns the number of documents
// submitted. Overlapping passes are skipped.
func (p *Pool) Dispatch(ctx context.Context) (int, error) {
	if !p.dispatching.TryAcquire() {
		return 0, nil
	}
	defer p.dispatching.Release()

	if n, err := p.processor.PromoteRetries(ctx); err != nil {
		p.logger.Warn("failed to promote retries", "error", err)
	} else if n > 0 {
		p.logger.Debug("promoted retries", "count", n)
	}

	free := p.workers.Free()
	if free <= 0 {
		return 0, nil
	}

	pending := types.StatusPending
	docs, err := p.store.ListDocuments(ctx, storage.DocumentFilter{
		Status:      &pending,
		OldestFirst: true,
		Limit:       free + p.queuedLen(),
	})
	if err != nil {
		return 0, fmt.Errorf("list pending documents: %w", err)
	}

	submitted := 0
	for _, doc := range docs {
		if !p.enqueue(doc.ID) {
			continue
		}
		if err := p.submit(doc.ID); err != nil {
			p.dequeue(doc.ID)
			if errors.Is(err, ants.ErrPoolOverload) {
				break
			}
			return submitted, fmt.Errorf("submit document %s: %w", doc.ID, err)
		}
		submitted++
	}
	return submitted, nil
}

func (p *Pool) submit(documentID string) error {
	ctx := p.context()
	p.tasks.Add(1)
	err := p.workers.Submit(func() {
		defer p.tasks.Done()
		defer p.dequeue(documentID)

		err := p.processor.Process(ctx, documentID)
		switch {
		case err == nil:
			// More work may have become visible
			p.Notify()
		case errors.Is(err, ErrLocked), errors.Is(err, context.Canceled):
		default:
			p.logger.Debug("document processing ended with error", "document_id", documentID, "error", err)
			p.Notify()
		}
	})
	if err != nil {
		p.tasks.Done()
	}
	return err
}

// Stop halts the dispatcher and waits for running documents to finish. If
// they outlive the drain timeout their contexts are cancelled; the recovery
// pass of the next Start picks them up.
func (p *Pool) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.loopDone
	p.stop = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	<-done

	if err := p.workers.ReleaseTimeout(p.drainTimeout); err != nil {
		p.logger.Warn("workers did not drain in time, cancelling", "error", err)
		p.taskCancel()
	}
	p.tasks.Wait()
	p.taskCancel()
	p.running.Release()
}

// Running returns the number of busy workers
func (p *Pool) Running() int {
	return p.workers.Running()
}

func (p *Pool) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taskCtx == nil {
		return context.Background()
	}
	return p.taskCtx
}

func (p *Pool) enqueue(documentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[documentID]; ok {
		return false
	}
	p.queued[documentID] = struct{}{}
	return true
}

func (p *Pool) dequeue(documentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queued, documentID)
}

func (p *Pool) queuedLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}
