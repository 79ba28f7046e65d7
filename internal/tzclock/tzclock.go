// Package tzclock converts between wall-clock readings in a named timezone
// and absolute instants. Every function takes the location explicitly;
// nothing here depends on time.Local or process-wide state.
package tzclock

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date form used for exception dates and
// month grouping.
const DateLayout = "2006-01-02"

// Parts is a wall-clock reading: what a clock and a calendar on the wall
// show in some timezone.
type Parts struct {
	Year    int
	Month   time.Month
	Day     int
	Hour    int
	Minute  int
	Second  int
	Weekday time.Weekday
}

// WallClockParts reads instant t on the wall clock of loc.
func WallClockParts(t time.Time, loc *time.Location) Parts {
	lt := t.In(loc)
	y, m, d := lt.Date()
	h, mi, s := lt.Clock()
	return Parts{
		Year:    y,
		Month:   m,
		Day:     d,
		Hour:    h,
		Minute:  mi,
		Second:  s,
		Weekday: lt.Weekday(),
	}
}

// FloatingParts reads back a value produced by Parts.Floating.
func FloatingParts(t time.Time) Parts {
	return WallClockParts(t, time.UTC)
}

// Floating pins the reading to UTC. Calendar arithmetic on the result
// (AddDate, weekday and day-of-month math) never crosses a DST transition.
func (p Parts) Floating() time.Time {
	return time.Date(p.Year, p.Month, p.Day, p.Hour, p.Minute, p.Second, 0, time.UTC)
}

// Date formats the calendar date as YYYY-MM-DD.
func (p Parts) Date() string {
	return fmt.Sprintf("%04d-%02d-%02d", p.Year, int(p.Month), p.Day)
}

// AddDays moves the calendar date by n days, keeping the time of day.
func (p Parts) AddDays(n int) Parts {
	return FloatingParts(p.Floating().AddDate(0, 0, n))
}

// WithClock returns p on the same date at the clock reading of c.
func (p Parts) WithClock(c Parts) Parts {
	p.Hour, p.Minute, p.Second = c.Hour, c.Minute, c.Second
	return p
}

// SameClock reports whether p and q show the same time of day.
func (p Parts) SameClock(q Parts) bool {
	return p.Hour == q.Hour && p.Minute == q.Minute && p.Second == q.Second
}

func (p Parts) sameReading(q Parts) bool {
	return p.Year == q.Year && p.Month == q.Month && p.Day == q.Day && p.SameClock(q)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DaysBetween counts calendar days from a's date to b's date.
func DaysBetween(a, b Parts) int {
	da := time.Date(a.Year, a.Month, a.Day, 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year, b.Month, b.Day, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// probe is far enough from any wall-clock reading that the offsets found
// at naive-probe and naive+probe bracket every transition near it.
const probe = 24 * time.Hour

// ToInstant returns the instant that shows the given wall-clock reading in
// loc. Out-of-range components are normalized the way time.Date does.
//
// A skipped reading (spring-forward gap) resolves to the instant obtained
// with the offset in effect before the transition, which reads as the
// requested time moved forward by the seasonal delta. An ambiguous reading
// (fall-back overlap) resolves to the standard-time offset.
func ToInstant(year int, month time.Month, day, hour, minute, second int, loc *time.Location) time.Time {
	naive := time.Date(year, month, day, hour, minute, second, 0, time.UTC)
	want := FloatingParts(naive)

	before := offsetAt(naive.Add(-probe), loc)
	after := offsetAt(naive.Add(probe), loc)
	offsets := []int{before}
	if after != before {
		offsets = append(offsets, after)
	}

	var matches []time.Time
	for _, off := range offsets {
		t := naive.Add(-time.Duration(off) * time.Second)
		if WallClockParts(t, loc).sameReading(want) {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 0:
		return naive.Add(-time.Duration(before) * time.Second).In(loc)
	case 1:
		return matches[0].In(loc)
	default:
		return preferStandard(matches, loc)
	}
}

// ToInstantParts is ToInstant for a Parts value. Weekday is ignored.
func ToInstantParts(p Parts, loc *time.Location) time.Time {
	return ToInstant(p.Year, p.Month, p.Day, p.Hour, p.Minute, p.Second, loc)
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off
}

func preferStandard(candidates []time.Time, loc *time.Location) time.Time {
	for _, c := range candidates {
		if !c.In(loc).IsDST() {
			return c.In(loc)
		}
	}
	// No candidate is flagged as DST; fall back to the smaller offset.
	best := candidates[0]
	for _, c := range candidates[1:] {
		if offsetAt(c, loc) < offsetAt(best, loc) {
			best = c
		}
	}
	return best.In(loc)
}
