package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dshills/newsrag/internal/ingestion"
	"github.com/dshills/newsrag/internal/storage"
	"github.com/dshills/newsrag/pkg/types"
)

var validate = validator.New()

// RegisterFeedRequest describes a feed to add
type RegisterFeedRequest struct {
	Name            string `json:"name"`
	URL             string `json:"url" validate:"required,url"`
	UpdateFrequency string `json:"update_frequency"`
}

// RegisterFeed adds a feed. It is due for polling immediately. Registering
// a URL twice returns storage.ErrAlreadyExists.
func (s *Service) RegisterFeed(ctx context.Context, req RegisterFeedRequest) (*types.Feed, error) {
	const op = "service.register_feed"

	req.URL = strings.TrimSpace(req.URL)
	if err := validate.Struct(req); err != nil {
		return nil, types.Configuration(op, fmt.Errorf("invalid feed url %q", req.URL))
	}
	u, _ := url.Parse(req.URL)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, types.Configuration(op, fmt.Errorf("unsupported feed url scheme %q", u.Scheme))
	}

	interval, err := types.ParseFrequency(req.UpdateFrequency)
	if err != nil {
		return nil, types.Configuration(op, err)
	}
	freq := strings.ToLower(strings.TrimSpace(req.UpdateFrequency))
	if freq == "" {
		freq = types.FrequencyHourly
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = u.Host
	}

	if _, err := s.store.GetFeedByURL(ctx, req.URL); err == nil {
		return nil, fmt.Errorf("feed %s: %w", req.URL, storage.ErrAlreadyExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	feed := &types.Feed{
		ID:              uuid.New().String(),
		Name:            name,
		URL:             req.URL,
		UpdateFrequency: freq,
		Interval:        interval,
		Status:          types.FeedActive,
		NextDueAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateFeed(ctx, feed); err != nil {
		return nil, err
	}
	s.logger.Info("feed registered", "feed_id", feed.ID, "url", feed.URL, "interval", interval)
	return feed, nil
}

// RemoveFeed deletes a feed and tombstones its documents. Their chunks
// leave the lexical index and stop appearing in query results at once.
func (s *Service) RemoveFeed(ctx context.Context, feedID string) (int, error) {
	ids, err := s.store.DeleteFeed(ctx, feedID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.lexical.Remove(id)
	}
	s.searcher.InvalidateCache()
	s.logger.Info("feed removed", "feed_id", feedID, "documents_tombstoned", len(ids))
	return len(ids), nil
}

// PauseFeed stops scheduled and manual polling of a feed
func (s *Service) PauseFeed(ctx context.Context, feedID string) (*types.Feed, error) {
	return s.setFeedStatus(ctx, feedID, types.FeedPaused)
}

// ResumeFeed re-enables a paused feed
func (s *Service) ResumeFeed(ctx context.Context, feedID string) (*types.Feed, error) {
	return s.setFeedStatus(ctx, feedID, types.FeedActive)
}

func (s *Service) setFeedStatus(ctx context.Context, feedID string, status types.FeedStatus) (*types.Feed, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if feed.Status == status {
		return feed, nil
	}
	// Resuming keeps an error status only until the next successful poll
	if status == types.FeedActive && feed.Status != types.FeedPaused {
		return feed, nil
	}
	feed.Status = status
	feed.UpdatedAt = s.now()
	if err := s.store.UpdateFeed(ctx, feed); err != nil {
		return nil, err
	}
	return feed, nil
}

// GetFeed returns a feed by id
func (s *Service) GetFeed(ctx context.Context, feedID string) (*types.Feed, error) {
	return s.store.GetFeed(ctx, feedID)
}

// GetFeedByURL returns a feed by its URL
func (s *Service) GetFeedByURL(ctx context.Context, feedURL string) (*types.Feed, error) {
	return s.store.GetFeedByURL(ctx, strings.TrimSpace(feedURL))
}

// ListFeeds returns every registered feed
func (s *Service) ListFeeds(ctx context.Context) ([]*types.Feed, error) {
	return s.store.ListFeeds(ctx)
}

// TriggerIngestion starts polling a feed now and returns the run handle.
// A poll already in flight for the feed is returned instead of a new one.
func (s *Service) TriggerIngestion(ctx context.Context, feedID string) (*ingestion.IngestionRun, error) {
	return s.ingestor.TriggerIngestion(ctx, feedID)
}

// ListRuns returns the most recent ingestion runs of a feed, newest first.
// An empty feedID lists runs across all feeds.
func (s *Service) ListRuns(ctx context.Context, feedID string, limit int) ([]*storage.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListRuns(ctx, feedID, min(limit, MaxListLimit))
}
