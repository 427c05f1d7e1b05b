package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultLockGrace is how long a lease may be held before the watchdog
// reclaims it
const DefaultLockGrace = 10 * time.Minute

// tryLock provides non-blocking lock semantics using atomic operations
type tryLock struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
}

// TryAcquire attempts to acquire the lock without blocking
func (l *tryLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release must only be called by the goroutine that acquired the lock
func (l *tryLock) Release() {
	l.state.Store(0)
}

// Lease is the exclusive right to process one document
type Lease struct {
	DocumentID string
	Token      string
	AcquiredAt time.Time

	cancel context.CancelFunc
}

// LockManager hands out per-document leases. A watchdog reclaims leases
// held longer than the grace period, cancels the holder's context and
// reports the document through the onExpire hook.
type LockManager struct {
	mu       sync.Mutex
	leases   map[string]*Lease
	grace    time.Duration
	onExpire func(documentID string)
	now      func() time.Time
	logger   *slog.Logger

	running tryLock
	stop    chan struct{}
	wg      sync.WaitGroup
}

// LockOption configures a LockManager
type LockOption func(*LockManager)

// WithOnExpire sets the hook called for every reclaimed lease
func WithOnExpire(fn func(documentID string)) LockOption {
	return func(m *LockManager) { m.onExpire = fn }
}

// WithLockClock overrides the time source
func WithLockClock(now func() time.Time) LockOption {
	return func(m *LockManager) { m.now = now }
}

// WithLockLogger sets the logger
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(m *LockManager) { m.logger = logger }
}

// NewLockManager creates a LockManager. A non-positive grace uses
// DefaultLockGrace.
func NewLockManager(grace time.Duration, opts ...LockOption) *LockManager {
	if grace <= 0 {
		grace = DefaultLockGrace
	}
	m := &LockManager{
		leases: make(map[string]*Lease),
		grace:  grace,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lock-manager")
	return m
}

// TryAcquire takes the lease for documentID if it is free. The returned
// context is derived from ctx and is cancelled when the lease is reclaimed.
func (m *LockManager) TryAcquire(ctx context.Context, documentID string) (*Lease, context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.leases[documentID]; held {
		return nil, nil, false
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	lease := &Lease{
		DocumentID: documentID,
		Token:      uuid.NewString(),
		AcquiredAt: m.now(),
		cancel:     cancel,
	}
	m.leases[documentID] = lease
	return lease, leaseCtx, true
}

// Release frees the lease if token still owns it. A lease that was already
// reclaimed, or re-acquired by someone else, is left alone.
func (m *LockManager) Release(documentID, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[documentID]
	if !ok || lease.Token != token {
		return false
	}
	delete(m.leases, documentID)
	lease.cancel()
	return true
}

// Held reports whether documentID is currently leased
func (m *LockManager) Held(documentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[documentID]
	return ok
}

// Len returns the number of held leases
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Reclaim removes every lease older than the grace period, cancels its
// holder and calls onExpire outside the lock. Returns the reclaimed ids.
func (m *LockManager) Reclaim() []string {
	now := m.now()

	m.mu.Lock()
	var expired []*Lease
	for id, lease := range m.leases {
		if now.Sub(lease.AcquiredAt) > m.grace {
			expired = append(expired, lease)
			delete(m.leases, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, lease := range expired {
		lease.cancel()
		ids = append(ids, lease.DocumentID)
		m.logger.Warn("lease expired", "document_id", lease.DocumentID, "held_for", now.Sub(lease.AcquiredAt))
		if m.onExpire != nil {
			m.onExpire(lease.DocumentID)
		}
	}
	return ids
}

// Start launches the watchdog, which runs Reclaim every grace/4. Calling
// Start on a running manager is a no-op.
func (m *LockManager) Start() {
	if !m.running.TryAcquire() {
		return
	}
	stop := make(chan struct{})
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	interval := m.grace / 4
	if interval <= 0 {
		interval = time.Millisecond
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Reclaim()
			}
		}
	}()
}

// Stop halts the watchdog and waits for it to exit
func (m *LockManager) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	m.wg.Wait()
	m.running.Release()
}
