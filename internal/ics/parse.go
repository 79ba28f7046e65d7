package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "venuecal/internal/log"
	"venuecal/internal/model"
	"venuecal/internal/tzclock"
)

// overrideNamespace scopes the IDs minted for RECURRENCE-ID overrides.
var overrideNamespace = uuid.MustParse("6f0c2b44-27d1-4f4e-9a59-4c1d2f7b1e0a")

// parsedEvent is one VEVENT before overrides are folded into their master.
type parsedEvent struct {
	def model.EventDefinition
	uid string

	// recurrenceID is the raw RECURRENCE-ID value and recurrenceDate the
	// business date of the instance it replaces; both empty for masters.
	recurrenceID   string
	recurrenceDate string
}

// EventID returns the store ID of the master event uid from feed feedID.
func EventID(feedID, uid string) string {
	return feedID + "/" + uid
}

func overrideID(feedID, uid, recurrenceID string) string {
	return feedID + "/" + uuid.NewSHA1(overrideNamespace, []byte(uid+"|"+recurrenceID)).String()
}

// ParseICS parses one ICS payload into event definitions for src.
//
//   - Times with a TZID are read on that zone's wall clock; floating and
//     all-day values are read in the business zone loc.
//   - EXDATE values become business-zone exception dates.
//   - STATUS:CANCELLED imports the event as inactive.
//   - A VEVENT with RECURRENCE-ID excludes the replaced date from its
//     master and is imported as a one-time event of its own.
//
// A VEVENT that cannot be read is logged and skipped.
func ParseICS(src Source, body []byte, loc *time.Location) ([]model.EventDefinition, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		return nil, errors.New("business location is required")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("parse calendar %s: %w", src.ID, err)
	}

	var (
		masters   []parsedEvent
		overrides []parsedEvent
		byUID     = make(map[string]int)
	)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, loc)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		if ev.recurrenceID != "" {
			overrides = append(overrides, ev)
			continue
		}
		if _, dup := byUID[ev.uid]; dup {
			appLog.Debug("ics duplicate UID ignored", "id", src.ID, "uid", ev.uid)
			continue
		}
		byUID[ev.uid] = len(masters)
		masters = append(masters, ev)
	}

	for _, ov := range overrides {
		if i, ok := byUID[ov.uid]; ok {
			masters[i].def.Exceptions = appendUnique(masters[i].def.Exceptions, ov.recurrenceDate)
		} else {
			appLog.Debug("ics override without master", "id", src.ID, "uid", ov.uid, "recurrence_id", ov.recurrenceID)
		}
	}

	out := make([]model.EventDefinition, 0, len(masters)+len(overrides))
	for _, m := range masters {
		sort.Strings(m.def.Exceptions)
		out = append(out, m.def)
	}
	for _, ov := range overrides {
		out = append(out, ov.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL),
		"event_count", len(masters), "override_count", len(overrides))
	return out, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.uid = strings.TrimSpace(uidProp.Value)

	def := model.EventDefinition{
		ID:       EventID(src.ID, out.uid),
		IsActive: true,
		Source:   src.ID,
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		def.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		def.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		def.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil &&
		strings.EqualFold(strings.TrimSpace(p.Value), string(ical.ObjectStatusCancelled)) {
		def.IsActive = false
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, fmt.Errorf("%s: missing DTSTART", out.uid)
	}
	start, _, err := parseTimeValue(startProp.Value, startProp.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("%s: DTSTART: %w", out.uid, err)
	}
	def.Start = start

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		end, _, err := parseTimeValue(endProp.Value, endProp.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("%s: DTEND: %w", out.uid, err)
		}
		if end.After(start) {
			def.End = &end
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		date, err := businessDate(ridProp.Value, ridProp.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("%s: RECURRENCE-ID: %w", out.uid, err)
		}
		out.recurrenceID = strings.TrimSpace(ridProp.Value)
		out.recurrenceDate = date
		def.ID = overrideID(src.ID, out.uid, out.recurrenceID)
		out.def = def
		return out, nil
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		def.RecurrenceRule = strings.TrimSpace(rruleProp.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			date, err := businessDate(part, p.ICalParameters, loc)
			if err != nil {
				appLog.Debug("ics ignoring unparsable EXDATE", "uid", out.uid, "value", part)
				continue
			}
			def.Exceptions = appendUnique(def.Exceptions, date)
		}
	}

	out.def = def
	return out, nil
}

// parseTimeValue reads a DATE or DATE-TIME value. UTC values keep their
// instant; TZID values are read on that zone's wall clock, falling back to
// loc for names the tz database does not know; floating and DATE values
// are read on loc's wall clock. allDay reports a DATE value.
func parseTimeValue(v string, params map[string][]string, loc *time.Location) (t time.Time, allDay bool, err error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if len(v) == len("20060102") || strings.EqualFold(param(params, "VALUE"), "DATE") {
		d, err := time.Parse("20060102", v)
		if err != nil {
			return time.Time{}, false, err
		}
		return tzclock.ToInstant(d.Year(), d.Month(), d.Day(), 0, 0, 0, loc), true, nil
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	wall, err := time.Parse("20060102T150405", v)
	if err != nil {
		return time.Time{}, false, err
	}
	zone := loc
	if tzid := param(params, "TZID"); tzid != "" {
		if l, lerr := time.LoadLocation(tzid); lerr == nil {
			zone = l
		} else {
			appLog.Debug("ics unknown TZID, using business timezone", "tzid", tzid)
		}
	}
	return tzclock.ToInstant(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), zone), false, nil
}

// businessDate reduces an EXDATE or RECURRENCE-ID value to the business
// calendar date it names.
func businessDate(v string, params map[string][]string, loc *time.Location) (string, error) {
	t, allDay, err := parseTimeValue(v, params, loc)
	if err != nil {
		return "", err
	}
	if allDay {
		return t.In(loc).Format(tzclock.DateLayout), nil
	}
	return tzclock.WallClockParts(t, loc).Date(), nil
}

func param(params map[string][]string, name string) string {
	if vs, ok := params[name]; ok && len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
