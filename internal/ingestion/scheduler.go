package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/newsrag/pkg/types"
)

// DefaultSchedulerTick is how often the scheduler looks for due feeds
const DefaultSchedulerTick = time.Minute

// DueFeedLister lists feeds whose next poll is due
type DueFeedLister interface {
	ListDueFeeds(ctx context.Context, now time.Time) ([]*types.Feed, error)
}

// Trigger starts feed polls
type Trigger interface {
	TriggerIngestion(ctx context.Context, feedID string) (*IngestionRun, error)
	InFlight(feedID string) bool
}

// Scheduler polls due feeds on a fixed tick
type Scheduler struct {
	feeds   DueFeedLister
	trigger Trigger
	tick    time.Duration
	cron    *cron.Cron
	entry   cron.EntryID
	now     func() time.Time
	logger  *slog.Logger

	ticking tryLock
}

// NewScheduler creates a scheduler. A non-positive tick uses
// DefaultSchedulerTick.
func NewScheduler(feeds DueFeedLister, trigger Trigger, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultSchedulerTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		feeds:   feeds,
		trigger: trigger,
		tick:    tick,
		cron:    cron.New(),
		now:     time.Now,
		logger:  logger.With("component", "scheduler"),
	}
}

// Start begins the scheduled polling. A stopped scheduler can be started
// again.
func (s *Scheduler) Start() error {
	schedule := "@every " + s.tick.String()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	entry, err := s.cron.AddFunc(schedule, func() { s.Tick(context.Background()) })
	if err != nil {
		return fmt.Errorf("failed to schedule %q: %w", schedule, err)
	}
	s.entry = entry
	s.cron.Start()
	s.logger.Info("feed scheduler started", "schedule", schedule)
	return nil
}

// Stop stops the scheduler and waits for a running tick
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("feed scheduler stopped")
}

// Tick triggers every due feed without a poll in flight and returns how
// many were started. A tick that overlaps a running one does nothing.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.ticking.TryAcquire() {
		return 0
	}
	defer s.ticking.Release()

	ctx, cancel := context.WithTimeout(ctx, s.tick)
	defer cancel()

	due, err := s.feeds.ListDueFeeds(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list due feeds", "error", err)
		return 0
	}

	started := 0
	for _, feed := range due {
		if s.trigger.InFlight(feed.ID) {
			continue
		}
		if _, err := s.trigger.TriggerIngestion(ctx, feed.ID); err != nil {
			s.logger.Warn("failed to trigger feed", "feed_id", feed.ID, "error", err)
			continue
		}
		started++
	}
	if started > 0 {
		s.logger.Debug("scheduled feed polls", "count", started)
	}
	return started
}
