package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/pkg/types"
)

// Wednesday
var now = time.Date(2024, 3, 13, 15, 30, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestResolve_Presets(t *testing.T) {
	tests := []struct {
		preset    string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{PresetToday, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), now},
		{PresetYesterday, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{PresetLast24Hours, now.Add(-24 * time.Hour), now},
		{PresetLastWeek, now.AddDate(0, 0, -7), now},
		{PresetLastMonth, now.AddDate(0, 0, -30), now},
		{PresetLast3Months, now.AddDate(0, 0, -90), now},
		{PresetLastYear, now.AddDate(0, 0, -365), now},
		{PresetThisWeek, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), now},
		{PresetThisMonth, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), now},
		{PresetThisYear, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), now},
	}
	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			r, err := Resolve(Spec{Date: &DateFilter{Preset: tt.preset}}, now)
			require.NoError(t, err)
			require.NotNil(t, r.Start)
			require.NotNil(t, r.End)
			assert.True(t, tt.wantStart.Equal(*r.Start), "start %s", r.Start)
			assert.True(t, tt.wantEnd.Equal(*r.End), "end %s", r.End)
		})
	}
}

func TestResolve_ThisWeekOnSunday(t *testing.T) {
	sunday := time.Date(2024, 3, 17, 10, 0, 0, 0, time.UTC)
	r, err := Resolve(Spec{Date: &DateFilter{Preset: PresetThisWeek}}, sunday)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC).Equal(*r.Start))
}

func TestResolve_AbsoluteRange(t *testing.T) {
	r, err := Resolve(Spec{Date: &DateFilter{Start: "2024-03-01", End: "2024-03-10"}}, now)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Equal(*r.Start))
	// End date is inclusive of the whole day
	assert.True(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond).Equal(*r.End))

	r, err = Resolve(Spec{Date: &DateFilter{Start: "March 1, 2024"}}, now)
	require.NoError(t, err)
	assert.True(t, now.Equal(*r.End))

	r, err = Resolve(Spec{Date: &DateFilter{End: "2024-03-10"}}, now)
	require.NoError(t, err)
	assert.Nil(t, r.Start)
	assert.NotNil(t, r.End)
}

func TestResolve_Errors(t *testing.T) {
	_, err := Resolve(Spec{Date: &DateFilter{Start: "2024-03-10", End: "2024-03-01"}}, now)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	assert.ErrorIs(t, err, ErrEmptyRange)

	_, err = Resolve(Spec{Date: &DateFilter{Preset: "last_fortnight"}}, now)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	assert.ErrorIs(t, err, ErrUnknownPreset)

	_, err = Resolve(Spec{Date: &DateFilter{Start: "not a date"}}, now)
	assert.ErrorIs(t, err, ErrBadDate)
}

func doc(id string, published *time.Time, companies, investors, sectors []string) *types.Document {
	return &types.Document{
		ID: id,
		Metadata: types.Metadata{
			Companies:   companies,
			Investors:   investors,
			Sectors:     sectors,
			PublishedAt: published,
		},
	}
}

func TestMatch_Conjunction(t *testing.T) {
	r, err := Resolve(Spec{
		Date:      &DateFilter{Preset: PresetLastWeek},
		Companies: []string{"acme"},
		Investors: []string{"Sequoia"},
	}, now)
	require.NoError(t, err)
	assert.True(t, r.Active())

	recent := ptr(now.Add(-48 * time.Hour))
	old := ptr(now.AddDate(0, -2, 0))

	assert.True(t, r.Match(doc("1", recent, []string{"Acme Corp"}, []string{"Sequoia Capital"}, nil)))
	assert.False(t, r.Match(doc("2", old, []string{"Acme Corp"}, []string{"Sequoia Capital"}, nil)), "outside window")
	assert.False(t, r.Match(doc("3", recent, []string{"Globex"}, []string{"Sequoia Capital"}, nil)), "wrong company")
	assert.False(t, r.Match(doc("4", recent, []string{"Acme"}, []string{"Accel"}, nil)), "wrong investor")
	assert.False(t, r.Match(doc("5", recent, []string{"Acme"}, nil, nil)), "missing investors")

	// Undated documents pass the date condition
	assert.True(t, r.Match(doc("6", nil, []string{"Acme"}, []string{"Sequoia"}, nil)))
}

func TestMatch_AnyValueWithinCategory(t *testing.T) {
	r, err := Resolve(Spec{Sectors: []string{"fintech", "climate"}}, now)
	require.NoError(t, err)

	assert.True(t, r.Match(doc("1", nil, nil, nil, []string{"Climate Tech"})))
	assert.True(t, r.Match(doc("2", nil, nil, nil, []string{"fintech"})))
	assert.False(t, r.Match(doc("3", nil, nil, nil, []string{"healthcare"})))
}

func TestMatch_DocumentAllowlist(t *testing.T) {
	r, err := Resolve(Spec{DocumentIDs: []string{"a", "b"}}, now)
	require.NoError(t, err)
	assert.True(t, r.HasDocumentFilter())

	assert.True(t, r.Match(doc("a", nil, nil, nil, nil)))
	assert.False(t, r.Match(doc("c", nil, nil, nil, nil)))
}

func TestMatch_FallsBackToFeedDate(t *testing.T) {
	r, err := Resolve(Spec{Date: &DateFilter{Preset: PresetToday}}, now)
	require.NoError(t, err)

	d := doc("1", nil, nil, nil, nil)
	d.PublishedAt = ptr(now.AddDate(0, 0, -3))
	assert.False(t, r.Match(d))
}

func TestEmptySpecIsInactive(t *testing.T) {
	r, err := Resolve(Spec{Companies: []string{"  "}}, now)
	require.NoError(t, err)
	assert.False(t, r.Active())
	assert.Empty(t, r.Key())
	assert.True(t, r.Match(doc("x", nil, nil, nil, nil)))

	var nilResolved *Resolved
	assert.True(t, nilResolved.Match(doc("x", nil, nil, nil, nil)))
}

func TestKey_Stable(t *testing.T) {
	a, _ := Resolve(Spec{DocumentIDs: []string{"b", "a"}, Companies: []string{"Acme"}}, now)
	b, _ := Resolve(Spec{DocumentIDs: []string{"a", "b"}, Companies: []string{"acme"}}, now)
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEmpty(t, a.Key())
}
