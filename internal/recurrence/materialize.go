package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	"venuecal/internal/tzclock"
)

// materializer turns raw engine values into business-timezone instants.
type materializer struct {
	rule  Rule
	start tzclock.Parts
	loc   *time.Location

	// end is the event's end reading and endSpan the number of calendar
	// days between the start and end dates; hasEnd is false for events
	// without an end.
	end     tzclock.Parts
	endSpan int
	hasEnd  bool
}

func newMaterializer(rule Rule, start tzclock.Parts, end *time.Time, loc *time.Location) materializer {
	m := materializer{rule: rule, start: start, loc: loc}
	if end != nil {
		m.end = tzclock.WallClockParts(*end, loc)
		m.endSpan = tzclock.DaysBetween(start, m.end)
		m.hasEnd = true
	}
	return m
}

// materialize corrects one raw value onto the rule's target day and
// rebuilds start and end at the event's wall-clock times. ok is false when
// the raw value falls in a month that has no target day.
func (m materializer) materialize(raw time.Time) (start time.Time, end *time.Time, ok bool) {
	day := tzclock.FloatingParts(raw)

	if m.rule.Freq == rrule.MONTHLY && m.rule.ByMonthDay > 0 && day.Day != m.rule.ByMonthDay {
		if m.rule.ByMonthDay > tzclock.DaysIn(day.Year, day.Month) {
			return time.Time{}, nil, false
		}
		day = tzclock.FloatingParts(time.Date(day.Year, day.Month, m.rule.ByMonthDay, 0, 0, 0, 0, time.UTC))
	}

	if m.rule.Freq == rrule.WEEKLY && len(m.rule.ByDay) > 0 && !m.rule.HasWeekday(day.Weekday) {
		day = day.AddDays(daysToNextWeekday(day.Weekday, m.rule.ByDay))
	}

	start = tzclock.ToInstantParts(day.WithClock(m.start), m.loc)
	if m.hasEnd {
		e := tzclock.ToInstantParts(day.AddDays(m.endSpan).WithClock(m.end), m.loc)
		end = &e
	}
	return start, end, true
}
