package recurrence

import (
	"errors"
	"sort"
	"time"

	appLog "venuecal/internal/log"
	"venuecal/internal/model"
	"venuecal/internal/tzclock"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ErrInvalidRange is returned when a range ends before it starts.
var ErrInvalidRange = errors.New("expand: range end is before range start")

// ExpandConfig controls a batch expansion.
type ExpandConfig struct {
	// Location is the business timezone. It is required; there is no
	// fallback to time.Local.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single event's contribution. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded occurrences of a batch together with the
// events that could not be expanded or were cut short.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// FailedEvents records IDs whose recurrence rule was rejected.
	FailedEvents []string
	// TruncatedEvents records IDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// Expander produces concrete occurrences of event definitions. It holds no
// mutable state and is safe for concurrent use.
type Expander struct {
	engine Engine
}

// NewExpander creates an Expander over the given engine. A nil engine
// selects the rrule-go backed RRuleEngine.
func NewExpander(engine Engine) *Expander {
	if engine == nil {
		engine = NewRRuleEngine()
	}
	return &Expander{engine: engine}
}

var defaultExpander = NewExpander(nil)

// ExpandOccurrences expands one event over [rangeStart, rangeEnd] in the
// named business timezone. An unknown zone yields a
// *tzclock.TimezoneConfigurationError; a bad rule yields an empty list and
// a *RuleParseError.
func ExpandOccurrences(ev model.EventDefinition, rangeStart, rangeEnd time.Time, timezone string) ([]model.Occurrence, error) {
	loc, err := tzclock.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return defaultExpander.ExpandOccurrences(ev, rangeStart, rangeEnd, loc)
}

// ExpandOccurrences expands one event over [rangeStart, rangeEnd] in loc.
// The result is sorted by start and free of duplicate instants.
func (x *Expander) ExpandOccurrences(ev model.EventDefinition, rangeStart, rangeEnd time.Time, loc *time.Location) ([]model.Occurrence, error) {
	occs, _, err := x.expandEvent(ev, rangeStart, rangeEnd, loc, 0)
	return occs, err
}

// ExpandAll expands a batch of events, typically every active row of the
// event store, into one sorted list. A rejected rule is logged and only
// removes that event from the result.
func (x *Expander) ExpandAll(events []model.EventDefinition, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, ErrInvalidRange
	}
	if cfg.Location == nil {
		return result, errors.New("expand: business location is required")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	all := make([]model.Occurrence, 0)
	for _, ev := range events {
		occs, hitCap, err := x.expandEvent(ev, cfg.RangeStart, cfg.RangeEnd, cfg.Location, cfg.MaxOccurrencesPerEvent)
		if err != nil {
			result.FailedEvents = append(result.FailedEvents, ev.ID)
			appLog.Error("expand: skipping event with unusable recurrence rule", err,
				"event_id", ev.ID,
				"rrule", ev.RecurrenceRule,
			)
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
			appLog.Error("expand: truncated occurrences for event due to cap",
				errors.New("max occurrences reached"),
				"event_id", ev.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		all = append(all, occs...)
	}

	sortOccurrences(all)
	result.Occurrences = all
	return result, nil
}

// expandEvent expands a single definition. limit <= 0 means no cap; the
// returned bool reports whether the cap cut the list short.
func (x *Expander) expandEvent(ev model.EventDefinition, rangeStart, rangeEnd time.Time, loc *time.Location, limit int) ([]model.Occurrence, bool, error) {
	if rangeEnd.Before(rangeStart) {
		return nil, false, ErrInvalidRange
	}
	if !ev.IsActive {
		return nil, false, nil
	}
	if !ev.IsRecurring() {
		return expandSingleEvent(ev, rangeStart, rangeEnd, loc), false, nil
	}

	rule, err := ParseRule(ev.RecurrenceRule)
	if err != nil {
		return nil, false, err
	}

	start := tzclock.WallClockParts(ev.Start, loc)
	rule, ref := Normalize(rule, start, loc)

	// The engine works on floating values; widen its window by a day on
	// each side so that no reading near the range edges is lost to the
	// offset, then clip on real instants below.
	lo := tzclock.WallClockParts(rangeStart, loc).Floating().AddDate(0, 0, -1)
	hi := tzclock.WallClockParts(rangeEnd, loc).Floating().AddDate(0, 0, 1)

	raw, err := x.engine.Enumerate(rule, ref, lo, hi)
	if err != nil {
		return nil, false, ruleError(ev.RecurrenceRule, "recurrence engine rejected rule", err)
	}

	m := newMaterializer(rule, start, ev.End, loc)
	out := make([]model.Occurrence, 0, len(raw))
	for _, r := range raw {
		occStart, occEnd, ok := m.materialize(r)
		if !ok || occStart.Before(rangeStart) || occStart.After(rangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(ev, occStart, occEnd, true))
	}

	out = FilterExceptions(out, ev.Exceptions, loc)
	out = dedupe(out)

	if limit > 0 && len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

func expandSingleEvent(ev model.EventDefinition, rangeStart, rangeEnd time.Time, loc *time.Location) []model.Occurrence {
	if ev.Start.Before(rangeStart) || ev.Start.After(rangeEnd) {
		return nil
	}
	var end *time.Time
	if ev.End != nil {
		e := ev.End.In(loc)
		end = &e
	}
	occs := []model.Occurrence{makeOccurrence(ev, ev.Start.In(loc), end, false)}
	return FilterExceptions(occs, ev.Exceptions, loc)
}

func makeOccurrence(ev model.EventDefinition, start time.Time, end *time.Time, recurring bool) model.Occurrence {
	return model.Occurrence{
		EventID:     ev.ID,
		InstanceKey: model.NewInstanceKey(ev.ID, start),
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       start,
		End:         end,
		IsRecurring: recurring,
	}
}

// dedupe sorts occs and drops repeated (event, instant) pairs.
func dedupe(occs []model.Occurrence) []model.Occurrence {
	sortOccurrences(occs)
	out := occs[:0]
	seen := make(map[string]struct{}, len(occs))
	for _, occ := range occs {
		if _, dup := seen[occ.InstanceKey]; dup {
			continue
		}
		seen[occ.InstanceKey] = struct{}{}
		out = append(out, occ)
	}
	return out
}

func sortOccurrences(occs []model.Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].EventID < occs[j].EventID
	})
}
