package recurrence

import (
	"strings"
	"time"

	appLog "venuecal/internal/log"
	"venuecal/internal/model"
	"venuecal/internal/tzclock"
)

// FilterExceptions drops occurrences whose business-timezone calendar date
// is one of exceptions. Only the date is compared, never the time of day.
func FilterExceptions(occs []model.Occurrence, exceptions []string, loc *time.Location) []model.Occurrence {
	if len(exceptions) == 0 || len(occs) == 0 {
		return occs
	}
	excluded := make(map[string]struct{}, len(exceptions))
	for _, raw := range exceptions {
		date, ok := NormalizeExceptionDate(raw, loc)
		if !ok {
			appLog.Debug("recurrence: ignoring unparsable exception date", "value", raw)
			continue
		}
		excluded[date] = struct{}{}
	}

	out := make([]model.Occurrence, 0, len(occs))
	for _, occ := range occs {
		if _, skip := excluded[tzclock.WallClockParts(occ.Start, loc).Date()]; skip {
			continue
		}
		out = append(out, occ)
	}
	return out
}

// NormalizeExceptionDate reduces an exception value to YYYY-MM-DD.
// Accepted forms are YYYY-MM-DD, YYYYMMDD and RFC 3339 timestamps; a
// timestamp is read on the business wall clock.
func NormalizeExceptionDate(raw string, loc *time.Location) (string, bool) {
	s := strings.TrimSpace(raw)
	switch len(s) {
	case len(tzclock.DateLayout):
		if t, err := time.Parse(tzclock.DateLayout, s); err == nil {
			return t.Format(tzclock.DateLayout), true
		}
	case len("20060102"):
		if t, err := time.Parse("20060102", s); err == nil {
			return t.Format(tzclock.DateLayout), true
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return tzclock.WallClockParts(t, loc).Date(), true
	}
	return "", false
}
