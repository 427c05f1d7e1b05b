// Package filter resolves query filters and applies them to documents.
package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/dshills/newsrag/pkg/types"
)

// Date presets
const (
	PresetToday       = "today"
	PresetYesterday   = "yesterday"
	PresetLast24Hours = "last_24_hours"
	PresetLastWeek    = "last_week"
	PresetLastMonth   = "last_month"
	PresetLast3Months = "last_3_months"
	PresetLastYear    = "last_year"
	PresetThisWeek    = "this_week"
	PresetThisMonth   = "this_month"
	PresetThisYear    = "this_year"
)

var (
	ErrUnknownPreset = errors.New("unknown date preset")
	ErrBadDate       = errors.New("unparseable date")
	ErrEmptyRange    = errors.New("start date is after end date")
)

// rollingPresets are windows ending at now
var rollingPresets = map[string]time.Duration{
	PresetLast24Hours: 24 * time.Hour,
	PresetLastWeek:    7 * 24 * time.Hour,
	PresetLastMonth:   30 * 24 * time.Hour,
	PresetLast3Months: 90 * 24 * time.Hour,
	PresetLastYear:    365 * 24 * time.Hour,
}

// DateFilter selects a publication window, either by preset or by explicit
// bounds. Explicit bounds accept any format dateparse understands.
type DateFilter struct {
	Preset string `json:"preset,omitempty"`
	Start  string `json:"start_date,omitempty"`
	End    string `json:"end_date,omitempty"`
}

// Spec is an unresolved filter as received from a caller
type Spec struct {
	Date        *DateFilter `json:"date_filter,omitempty"`
	Companies   []string    `json:"company_filter,omitempty"`
	Investors   []string    `json:"investor_filter,omitempty"`
	Sectors     []string    `json:"sector_filter,omitempty"`
	DocumentIDs []string    `json:"filter_document_ids,omitempty"`
}

// Resolved is a validated filter with absolute date bounds. All conditions
// must hold for a document to match.
type Resolved struct {
	Start     *time.Time
	End       *time.Time
	companies []string
	investors []string
	sectors   []string
	documents map[string]struct{}
}

// Resolve validates spec and fixes relative dates against now
func Resolve(spec Spec, now time.Time) (*Resolved, error) {
	r := &Resolved{
		companies: normalize(spec.Companies),
		investors: normalize(spec.Investors),
		sectors:   normalize(spec.Sectors),
	}

	if len(spec.DocumentIDs) > 0 {
		r.documents = make(map[string]struct{}, len(spec.DocumentIDs))
		for _, id := range spec.DocumentIDs {
			r.documents[id] = struct{}{}
		}
	}

	if spec.Date != nil {
		start, end, err := resolveDate(*spec.Date, now)
		if err != nil {
			return nil, types.Configuration("filter.resolve", err)
		}
		r.Start, r.End = start, end
	}

	return r, nil
}

func resolveDate(df DateFilter, now time.Time) (*time.Time, *time.Time, error) {
	loc := now.Location()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	if preset := strings.ToLower(strings.TrimSpace(df.Preset)); preset != "" {
		var start, end time.Time
		end = now

		switch preset {
		case PresetToday:
			start = midnight
		case PresetYesterday:
			start = midnight.AddDate(0, 0, -1)
			end = midnight.Add(-time.Nanosecond)
		case PresetThisWeek:
			// Weeks start on Monday
			offset := (int(now.Weekday()) + 6) % 7
			start = midnight.AddDate(0, 0, -offset)
		case PresetThisMonth:
			start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		case PresetThisYear:
			start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, loc)
		default:
			window, ok := rollingPresets[preset]
			if !ok {
				// A free-form expression is taken as the start of an open window
				parsed, err := dateparse.ParseIn(df.Preset, loc)
				if err != nil {
					return nil, nil, fmt.Errorf("%w: %q", ErrUnknownPreset, df.Preset)
				}
				start = parsed
				break
			}
			start = now.Add(-window)
		}
		return checkRange(&start, &end)
	}

	var start, end *time.Time
	if df.Start != "" {
		t, err := dateparse.ParseIn(df.Start, loc)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: start %q", ErrBadDate, df.Start)
		}
		start = &t
	}
	if df.End != "" {
		t, err := dateparse.ParseIn(df.End, loc)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: end %q", ErrBadDate, df.End)
		}
		// A bare date includes the whole day
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		end = &t
	}
	if start != nil && end == nil {
		end = &now
	}
	return checkRange(start, end)
}

func checkRange(start, end *time.Time) (*time.Time, *time.Time, error) {
	if start != nil && end != nil && start.After(*end) {
		return nil, nil, fmt.Errorf("%w: %s > %s", ErrEmptyRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

func normalize(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Active reports whether any condition is set
func (r *Resolved) Active() bool {
	if r == nil {
		return false
	}
	return r.Start != nil || r.End != nil || len(r.companies) > 0 || len(r.investors) > 0 ||
		len(r.sectors) > 0 || r.documents != nil
}

// HasDocumentFilter reports whether results are restricted to an id allowlist
func (r *Resolved) HasDocumentFilter() bool {
	return r != nil && r.documents != nil
}

// Match reports whether doc satisfies every condition. Documents without a
// publication date pass the date condition.
func (r *Resolved) Match(doc *types.Document) bool {
	if r == nil {
		return true
	}

	if r.documents != nil {
		if _, ok := r.documents[doc.ID]; !ok {
			return false
		}
	}

	if published := publishedAt(doc); published != nil {
		if r.Start != nil && published.Before(*r.Start) {
			return false
		}
		if r.End != nil && published.After(*r.End) {
			return false
		}
	}

	return matchAny(r.companies, doc.Metadata.Companies) &&
		matchAny(r.investors, doc.Metadata.Investors) &&
		matchAny(r.sectors, doc.Metadata.Sectors)
}

// Key is a stable representation for cache keys. Date bounds are truncated
// to the minute so rolling windows share entries within that minute.
func (r *Resolved) Key() string {
	if !r.Active() {
		return ""
	}
	var b strings.Builder
	if r.Start != nil {
		fmt.Fprintf(&b, "s=%d;", r.Start.Truncate(time.Minute).Unix())
	}
	if r.End != nil {
		fmt.Fprintf(&b, "e=%d;", r.End.Truncate(time.Minute).Unix())
	}
	fmt.Fprintf(&b, "c=%s;i=%s;x=%s;", strings.Join(r.companies, ","), strings.Join(r.investors, ","),
		strings.Join(r.sectors, ","))
	if r.documents != nil {
		ids := make([]string, 0, len(r.documents))
		for id := range r.documents {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		fmt.Fprintf(&b, "d=%s;", strings.Join(ids, ","))
	}
	return b.String()
}

func publishedAt(doc *types.Document) *time.Time {
	if doc.Metadata.PublishedAt != nil {
		return doc.Metadata.PublishedAt
	}
	return doc.PublishedAt
}

// matchAny is true when wanted is empty or any wanted value is a substring
// of any candidate
func matchAny(wanted, candidates []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, c := range candidates {
		lc := strings.ToLower(c)
		for _, w := range wanted {
			if strings.Contains(lc, w) {
				return true
			}
		}
	}
	return false
}
