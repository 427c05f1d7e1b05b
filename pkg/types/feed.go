package types

import (
	"fmt"
	"strings"
	"time"
)

// FeedStatus represents the polling state of a feed
type FeedStatus string

const (
	FeedActive FeedStatus = "active"
	FeedPaused FeedStatus = "paused"
	FeedError  FeedStatus = "error"
)

// Update frequency presets
const (
	FrequencyHourly = "hourly"
	FrequencyDaily  = "daily"
)

// minFeedInterval keeps a misconfigured feed from being hammered
const minFeedInterval = 5 * time.Minute

// Feed is a registered RSS/Atom source
type Feed struct {
	ID              string
	Name            string
	URL             string
	UpdateFrequency string
	Interval        time.Duration
	Status          FeedStatus
	LastFetchedAt   *time.Time
	NextDueAt       time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ParseFrequency converts an update frequency into a polling interval.
// Accepts "hourly", "daily" or a Go duration such as "30m".
func ParseFrequency(freq string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(freq)) {
	case "", FrequencyHourly:
		return time.Hour, nil
	case FrequencyDaily:
		return 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(freq)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, freq)
	}
	if d < minFeedInterval {
		return 0, fmt.Errorf("%w: %s is below minimum %s", ErrInvalidFrequency, d, minFeedInterval)
	}
	return d, nil
}

// IsDue reports whether the feed should be polled at now
func (f *Feed) IsDue(now time.Time) bool {
	return f.Status != FeedPaused && !now.Before(f.NextDueAt)
}

// MarkFetched records a poll and schedules the next one
func (f *Feed) MarkFetched(at time.Time, pollErr error) {
	f.LastFetchedAt = &at
	f.NextDueAt = at.Add(f.Interval)
	f.UpdatedAt = at
	if pollErr != nil {
		f.Status = FeedError
		f.LastError = pollErr.Error()
		return
	}
	if f.Status == FeedError {
		f.Status = FeedActive
	}
	f.LastError = ""
}
