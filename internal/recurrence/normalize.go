package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	"venuecal/internal/tzclock"
)

// Normalize aligns a rule and its engine reference with the event's
// business wall-clock start, so that the first day of the pattern is the
// day a visitor would read on the venue's calendar.
//
// The returned reference is a floating value: start's wall-clock reading
// pinned to UTC.
func Normalize(rule Rule, start tzclock.Parts, loc *time.Location) (Rule, time.Time) {
	rule.ByDay = append([]time.Weekday(nil), rule.ByDay...)
	ref := start

	switch rule.Freq {
	case rrule.WEEKLY:
		if len(rule.ByDay) == 0 {
			rule.ByDay = []time.Weekday{start.Weekday}
		}
		if !rule.HasWeekday(start.Weekday) {
			ref = start.AddDays(daysToNextWeekday(start.Weekday, rule.ByDay)).WithClock(start)
		}
	case rrule.MONTHLY:
		if rule.ByMonthDay == 0 {
			rule.ByMonthDay = start.Day
		}
		if start.Day != rule.ByMonthDay {
			ref = nextMonthDay(start, rule.ByMonthDay).WithClock(start)
		}
	}

	if !rule.Until.IsZero() && rule.UntilUTC {
		rule.Until = tzclock.WallClockParts(rule.Until, loc).Floating()
		rule.UntilUTC = false
	}

	return rule, ref.Floating()
}

// daysToNextWeekday returns the smallest non-negative offset from `from`
// to any of the wanted weekdays, wrapping Saturday to Sunday.
func daysToNextWeekday(from time.Weekday, wanted []time.Weekday) int {
	best := 7
	for _, w := range wanted {
		if d := (int(w) - int(from) + 7) % 7; d < best {
			best = d
		}
	}
	if best == 7 {
		return 0
	}
	return best
}

// nextMonthDay returns the first date on or after p whose day of month is
// day, skipping months that are too short.
func nextMonthDay(p tzclock.Parts, day int) tzclock.Parts {
	year, month := p.Year, p.Month
	if p.Day > day {
		month++
	}
	// Every day-of-month 1..31 appears within any 12 consecutive months.
	for i := 0; i < 12; i++ {
		y, m := normalizeMonth(year, month+time.Month(i))
		if day <= tzclock.DaysIn(y, m) {
			out := tzclock.Parts{Year: y, Month: m, Day: day}
			return tzclock.FloatingParts(out.Floating())
		}
	}
	return p
}

func normalizeMonth(year int, month time.Month) (int, time.Month) {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}
