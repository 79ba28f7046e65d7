package recurrence

import (
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venuecal/internal/model"
	"venuecal/internal/tzclock"
)

const businessZone = "America/New_York"

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := tzclock.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func at(loc *time.Location, y int, m time.Month, d, h, mi int) time.Time {
	return tzclock.ToInstant(y, m, d, h, mi, 0, loc)
}

func endOfDay(loc *time.Location, y int, m time.Month, d int) time.Time {
	return tzclock.ToInstant(y, m, d, 23, 59, 59, loc)
}

func ptr(t time.Time) *time.Time { return &t }

func dates(occs []model.Occurrence, loc *time.Location) []string {
	out := make([]string, 0, len(occs))
	for _, o := range occs {
		out = append(out, tzclock.WallClockParts(o.Start, loc).Date())
	}
	return out
}

func instanceKeys(occs []model.Occurrence) []string {
	out := make([]string, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.InstanceKey)
	}
	return out
}

func TestExpandWeeklyScenario(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "trivia",
		Title:          "Trivia night",
		Start:          at(loc, 2024, time.January, 1, 19, 0), // a Monday
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU,SA",
		IsActive:       true,
	}

	occs, err := ExpandOccurrences(ev, at(loc, 2024, time.January, 1, 0, 0), endOfDay(loc, 2024, time.January, 31), businessZone)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"2024-01-02", "2024-01-06", "2024-01-09", "2024-01-13", "2024-01-16",
		"2024-01-20", "2024-01-23", "2024-01-27", "2024-01-30",
	}, dates(occs, loc))
	for _, o := range occs {
		p := tzclock.WallClockParts(o.Start, loc)
		assert.NotEqual(t, time.Monday, p.Weekday)
		assert.Equal(t, 19, p.Hour)
		assert.Equal(t, 0, p.Minute)
		assert.True(t, o.IsRecurring)
		assert.Equal(t, "trivia", o.EventID)
		assert.Equal(t, "Trivia night", o.Title)
		assert.Equal(t, model.NewInstanceKey("trivia", o.Start), o.InstanceKey)
	}
}

func TestExpandMonthlyDay31SkipsShortMonths(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "month-end",
		Start:          at(loc, 2024, time.January, 31, 19, 0),
		RecurrenceRule: "FREQ=MONTHLY;BYMONTHDAY=31",
		IsActive:       true,
	}
	x := NewExpander(nil)

	feb, err := x.ExpandOccurrences(ev, at(loc, 2024, time.February, 1, 0, 0), endOfDay(loc, 2024, time.February, 29), loc)
	require.NoError(t, err)
	assert.Empty(t, feb)

	spring, err := x.ExpandOccurrences(ev, at(loc, 2024, time.January, 1, 0, 0), endOfDay(loc, 2024, time.April, 30), loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-31", "2024-03-31"}, dates(spring, loc))
	for _, o := range spring {
		assert.Equal(t, 19, tzclock.WallClockParts(o.Start, loc).Hour)
	}
}

func TestExpandDailyAcrossSpringForward(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "late-set",
		Start:          at(loc, 2024, time.March, 8, 2, 30),
		RecurrenceRule: "FREQ=DAILY",
		IsActive:       true,
	}

	occs, err := NewExpander(nil).ExpandOccurrences(ev, at(loc, 2024, time.March, 8, 0, 0), endOfDay(loc, 2024, time.March, 12), loc)
	require.NoError(t, err)
	require.Equal(t, []string{"2024-03-08", "2024-03-09", "2024-03-10", "2024-03-11", "2024-03-12"}, dates(occs, loc))

	for _, o := range occs {
		p := tzclock.WallClockParts(o.Start, loc)
		if p.Date() == "2024-03-10" {
			assert.Equal(t, 3, p.Hour, "spring-forward day resolves forward")
		} else {
			assert.Equal(t, 2, p.Hour, p.Date())
		}
		assert.Equal(t, 30, p.Minute)
	}
}

func TestExpandDailyAcrossFallBackPrefersStandardTime(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "early-bird",
		Start:          at(loc, 2024, time.November, 1, 1, 30),
		RecurrenceRule: "FREQ=DAILY",
		IsActive:       true,
	}

	occs, err := NewExpander(nil).ExpandOccurrences(ev, at(loc, 2024, time.November, 1, 0, 0), endOfDay(loc, 2024, time.November, 4), loc)
	require.NoError(t, err)
	require.Len(t, occs, 4)

	nov3 := occs[2]
	assert.Equal(t, time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC), nov3.Start.UTC())
	for _, o := range occs {
		p := tzclock.WallClockParts(o.Start, loc)
		assert.Equal(t, 1, p.Hour)
		assert.Equal(t, 30, p.Minute)
	}
}

func TestExpandExceptionScenario(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "open-mic",
		Start:          at(loc, 2024, time.January, 2, 20, 0),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU",
		Exceptions:     []string{"2024-01-09"},
		IsActive:       true,
	}

	occs, err := ExpandOccurrences(ev, at(loc, 2024, time.January, 1, 0, 0), endOfDay(loc, 2024, time.January, 31), businessZone)
	require.NoError(t, err)
	got := dates(occs, loc)
	assert.Equal(t, []string{"2024-01-02", "2024-01-16", "2024-01-23", "2024-01-30"}, got)
	assert.NotContains(t, got, "2024-01-09")
}

func TestExpandPreservesWallClockAcrossTheYear(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "jazz",
		Start:          at(loc, 2024, time.January, 1, 19, 0),
		End:            ptr(at(loc, 2024, time.January, 1, 21, 30)),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU,SA",
		Exceptions:     []string{"2024-03-12", "20240706", "2024-11-05T23:00:00Z"},
		IsActive:       true,
	}
	rangeStart := at(loc, 2024, time.January, 1, 0, 0)
	rangeEnd := endOfDay(loc, 2024, time.December, 31)

	occs, err := NewExpander(nil).ExpandOccurrences(ev, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	require.Len(t, occs, 105-3)

	excluded := map[string]bool{"2024-03-12": true, "2024-07-06": true, "2024-11-05": true}
	for i, o := range occs {
		start := tzclock.WallClockParts(o.Start, loc)
		require.NotNil(t, o.End)
		end := tzclock.WallClockParts(*o.End, loc)

		assert.Equal(t, 19, start.Hour, start.Date())
		assert.Equal(t, 0, start.Minute)
		assert.Equal(t, 21, end.Hour, end.Date())
		assert.Equal(t, 30, end.Minute)
		assert.Equal(t, start.Date(), end.Date())
		assert.False(t, excluded[start.Date()], start.Date())
		assert.False(t, o.Start.Before(rangeStart))
		assert.False(t, o.Start.After(rangeEnd))
		if i > 0 {
			assert.True(t, occs[i-1].Start.Before(o.Start))
		}
	}
}

func TestExpandEndCrossingMidnight(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "late-show",
		Start:          at(loc, 2024, time.March, 2, 22, 0),
		End:            ptr(at(loc, 2024, time.March, 3, 3, 0)),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=SA",
		IsActive:       true,
	}

	occs, err := NewExpander(nil).ExpandOccurrences(ev, at(loc, 2024, time.March, 1, 0, 0), endOfDay(loc, 2024, time.March, 16), loc)
	require.NoError(t, err)
	require.Len(t, occs, 3)

	// The Mar 9 show ends after the spring-forward transition: the wall
	// clock still reads 03:00 the next day but an hour less has elapsed.
	second := occs[1]
	assert.Equal(t, "2024-03-10", tzclock.WallClockParts(*second.End, loc).Date())
	assert.Equal(t, 3, tzclock.WallClockParts(*second.End, loc).Hour)
	assert.Equal(t, 4*time.Hour, second.End.Sub(second.Start))
	assert.Equal(t, 5*time.Hour, occs[0].End.Sub(occs[0].Start))
	assert.Equal(t, 5*time.Hour, occs[2].End.Sub(occs[2].Start))
}

func TestExpandCountAndUntil(t *testing.T) {
	loc := mustLoad(t, businessZone)
	x := NewExpander(nil)
	rangeStart := at(loc, 2024, time.January, 1, 0, 0)
	rangeEnd := endOfDay(loc, 2024, time.January, 31)

	counted := model.EventDefinition{
		ID:             "counted",
		Start:          at(loc, 2024, time.January, 1, 19, 0),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU,SA;COUNT=3",
		IsActive:       true,
	}
	occs, err := x.ExpandOccurrences(counted, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-02", "2024-01-06", "2024-01-09"}, dates(occs, loc))

	until := model.EventDefinition{
		ID:             "until",
		Start:          at(loc, 2024, time.January, 1, 23, 30),
		RecurrenceRule: "FREQ=DAILY;UNTIL=20240104",
		IsActive:       true,
	}
	occs, err = x.ExpandOccurrences(until, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04"}, dates(occs, loc))

	// 2024-01-04T04:30Z is 23:30 on Jan 3 in New York.
	untilUTC := until
	untilUTC.RecurrenceRule = "FREQ=DAILY;UNTIL=20240104T043000Z"
	occs, err = x.ExpandOccurrences(untilUTC, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, dates(occs, loc))
}

func TestExpandIsIdempotentAndConcurrencySafe(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "karaoke",
		Start:          at(loc, 2024, time.February, 3, 21, 0),
		End:            ptr(at(loc, 2024, time.February, 3, 23, 0)),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=FR,SA",
		Exceptions:     []string{"2024-03-09"},
		IsActive:       true,
	}
	rangeStart := at(loc, 2024, time.February, 1, 0, 0)
	rangeEnd := endOfDay(loc, 2024, time.April, 30)

	first, err := ExpandOccurrences(ev, rangeStart, rangeEnd, businessZone)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	var wg sync.WaitGroup
	results := make([][]model.Occurrence, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = ExpandOccurrences(ev, rangeStart, rangeEnd, businessZone)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, instanceKeys(first), instanceKeys(r))
	}
}

func TestExpandRejectsBadInput(t *testing.T) {
	loc := mustLoad(t, businessZone)
	ev := model.EventDefinition{
		ID:             "broken",
		Start:          at(loc, 2024, time.January, 1, 19, 0),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=XX",
		IsActive:       true,
	}

	occs, err := ExpandOccurrences(ev, at(loc, 2024, time.January, 1, 0, 0), endOfDay(loc, 2024, time.January, 31), businessZone)
	assert.Empty(t, occs)
	var ruleErr *RuleParseError
	require.True(t, errors.As(err, &ruleErr))

	ev.RecurrenceRule = "FREQ=DAILY"
	_, err = ExpandOccurrences(ev, at(loc, 2024, time.January, 1, 0, 0), endOfDay(loc, 2024, time.January, 31), "Nowhere/Special")
	var tzErr *tzclock.TimezoneConfigurationError
	require.True(t, errors.As(err, &tzErr))

	_, err = ExpandOccurrences(ev, at(loc, 2024, time.February, 1, 0, 0), at(loc, 2024, time.January, 1, 0, 0), businessZone)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestExpandInactiveAndOneTimeEvents(t *testing.T) {
	loc := mustLoad(t, businessZone)
	x := NewExpander(nil)
	rangeStart := at(loc, 2024, time.January, 1, 0, 0)
	rangeEnd := endOfDay(loc, 2024, time.January, 31)

	inactive := model.EventDefinition{
		ID:             "paused",
		Start:          at(loc, 2024, time.January, 1, 19, 0),
		RecurrenceRule: "FREQ=DAILY",
	}
	occs, err := x.ExpandOccurrences(inactive, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	assert.Empty(t, occs)

	once := model.EventDefinition{
		ID:       "gala",
		Title:    "New year gala",
		Start:    at(loc, 2024, time.January, 20, 18, 0),
		End:      ptr(at(loc, 2024, time.January, 20, 23, 0)),
		IsActive: true,
	}
	occs, err = x.ExpandOccurrences(once, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.False(t, occs[0].IsRecurring)
	assert.True(t, occs[0].Start.Equal(once.Start))
	assert.True(t, occs[0].End.Equal(*once.End))

	occs, err = x.ExpandOccurrences(once, at(loc, 2024, time.February, 1, 0, 0), endOfDay(loc, 2024, time.February, 29), loc)
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestExpandAll(t *testing.T) {
	loc := mustLoad(t, businessZone)
	events := []model.EventDefinition{
		{
			ID:             "weekly",
			Start:          at(loc, 2024, time.January, 2, 19, 0),
			RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU",
			IsActive:       true,
		},
		{
			ID:             "broken",
			Start:          at(loc, 2024, time.January, 2, 19, 0),
			RecurrenceRule: "FREQ=MINUTELY",
			IsActive:       true,
		},
		{
			ID:       "once",
			Start:    at(loc, 2024, time.January, 10, 12, 0),
			IsActive: true,
		},
	}

	res, err := NewExpander(nil).ExpandAll(events, ExpandConfig{
		Location:   loc,
		RangeStart: at(loc, 2024, time.January, 1, 0, 0),
		RangeEnd:   endOfDay(loc, 2024, time.January, 31),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, res.FailedEvents)
	assert.Empty(t, res.TruncatedEvents)

	ids := make([]string, 0, len(res.Occurrences))
	for _, o := range res.Occurrences {
		ids = append(ids, o.EventID)
	}
	assert.Equal(t, []string{"weekly", "weekly", "once", "weekly", "weekly", "weekly"}, ids)
}

func TestExpandAllCapAndConfigErrors(t *testing.T) {
	loc := mustLoad(t, businessZone)
	events := []model.EventDefinition{{
		ID:             "daily",
		Start:          at(loc, 2024, time.January, 1, 9, 0),
		RecurrenceRule: "FREQ=DAILY",
		IsActive:       true,
	}}
	x := NewExpander(nil)

	res, err := x.ExpandAll(events, ExpandConfig{
		Location:               loc,
		RangeStart:             at(loc, 2024, time.January, 1, 0, 0),
		RangeEnd:               endOfDay(loc, 2024, time.January, 31),
		MaxOccurrencesPerEvent: 5,
	})
	require.NoError(t, err)
	assert.Len(t, res.Occurrences, 5)
	assert.Equal(t, []string{"daily"}, res.TruncatedEvents)

	_, err = x.ExpandAll(events, ExpandConfig{
		RangeStart: at(loc, 2024, time.January, 1, 0, 0),
		RangeEnd:   endOfDay(loc, 2024, time.January, 31),
	})
	assert.Error(t, err)

	_, err = x.ExpandAll(events, ExpandConfig{
		Location:   loc,
		RangeStart: endOfDay(loc, 2024, time.January, 31),
		RangeEnd:   at(loc, 2024, time.January, 1, 0, 0),
	})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

type fakeEngine struct {
	raw []time.Time
	err error
}

func (f fakeEngine) Enumerate(Rule, time.Time, time.Time, time.Time) ([]time.Time, error) {
	return f.raw, f.err
}

func TestExpandCorrectsMisalignedEngineValues(t *testing.T) {
	loc := mustLoad(t, businessZone)
	rangeStart := at(loc, 2024, time.January, 1, 0, 0)
	rangeEnd := endOfDay(loc, 2024, time.March, 31)

	weekly := NewExpander(fakeEngine{raw: []time.Time{
		time.Date(2024, 1, 1, 19, 0, 0, 0, time.UTC), // Monday
		time.Date(2024, 1, 2, 19, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 9, 5, 0, 0, 0, time.UTC),
	}})
	occs, err := weekly.ExpandOccurrences(model.EventDefinition{
		ID:             "weekly",
		Start:          at(loc, 2024, time.January, 2, 19, 0),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU",
		IsActive:       true,
	}, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-02", "2024-01-09"}, dates(occs, loc))
	for _, o := range occs {
		assert.Equal(t, 19, tzclock.WallClockParts(o.Start, loc).Hour)
	}

	monthly := NewExpander(fakeEngine{raw: []time.Time{
		time.Date(2024, 2, 10, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 5, 20, 0, 0, 0, time.UTC),
	}})
	occs, err = monthly.ExpandOccurrences(model.EventDefinition{
		ID:             "monthly",
		Start:          at(loc, 2024, time.January, 31, 20, 0),
		RecurrenceRule: "FREQ=MONTHLY;BYMONTHDAY=31",
		IsActive:       true,
	}, rangeStart, rangeEnd, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-31"}, dates(occs, loc))
}

func TestExpandEngineFailureIsARuleError(t *testing.T) {
	loc := mustLoad(t, businessZone)
	x := NewExpander(fakeEngine{err: errors.New("engine exploded")})

	occs, err := x.ExpandOccurrences(model.EventDefinition{
		ID:             "daily",
		Start:          at(loc, 2024, time.January, 1, 9, 0),
		RecurrenceRule: "FREQ=DAILY",
		IsActive:       true,
	}, at(loc, 2024, time.January, 1, 0, 0), endOfDay(loc, 2024, time.January, 31), loc)
	assert.Empty(t, occs)
	var ruleErr *RuleParseError
	require.True(t, errors.As(err, &ruleErr))
	assert.Equal(t, "FREQ=DAILY", ruleErr.Rule)
}

func TestFilterExceptions(t *testing.T) {
	loc := mustLoad(t, businessZone)
	occs := []model.Occurrence{
		{EventID: "a", Start: at(loc, 2024, time.January, 9, 23, 30)},
		{EventID: "a", Start: at(loc, 2024, time.January, 10, 0, 30)},
	}

	// 2024-01-10T04:30Z is still Jan 9 in New York.
	got := FilterExceptions(occs, []string{"2024-01-10T04:30:00Z", "not-a-date"}, loc)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-01-10", tzclock.WallClockParts(got[0].Start, loc).Date())

	assert.Equal(t, occs, FilterExceptions(occs, nil, loc))
}

func TestNormalizeExceptionDate(t *testing.T) {
	loc := mustLoad(t, businessZone)
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"2024-03-12", "2024-03-12", true},
		{" 20240312 ", "2024-03-12", true},
		{"2024-03-12T03:00:00Z", "2024-03-11", true},
		{"2024-03-12T03:00:00-04:00", "2024-03-12", true},
		{"2024-02-30", "", false},
		{"", "", false},
		{"tomorrow", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeExceptionDate(tt.raw, loc)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
