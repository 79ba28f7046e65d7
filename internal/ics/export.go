package ics

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"venuecal/internal/model"
)

// exportNamespace scopes the VEVENT UIDs of exported occurrences.
var exportNamespace = uuid.MustParse("b7e3f0d2-5a8c-4c61-8f3e-2d9a41c07f55")

// ExportOptions describes the calendar wrapper of an export.
type ExportOptions struct {
	Name     string
	Timezone string
	// Stamp is written as every VEVENT's DTSTAMP.
	Stamp time.Time
}

// OccurrenceUID returns the stable VEVENT UID of an occurrence.
func OccurrenceUID(occ model.Occurrence) string {
	return uuid.NewSHA1(exportNamespace, []byte(occ.InstanceKey)).String() + "@venuecal"
}

// WriteCalendar writes occs as a PUBLISH calendar with one VEVENT per
// occurrence. Times are written in UTC.
func WriteCalendar(w io.Writer, occs []model.Occurrence, opts ExportOptions) error {
	cal := ical.NewCalendarFor("venuecal")
	cal.SetMethod(ical.MethodPublish)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	if opts.Timezone != "" {
		cal.SetXWRTimezone(opts.Timezone)
	}
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	for _, occ := range occs {
		ev := cal.AddEvent(OccurrenceUID(occ))
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(occ.Start)
		if occ.End != nil {
			ev.SetEndAt(*occ.End)
		}
		ev.SetSummary(occ.Title)
		if occ.Description != "" {
			ev.SetDescription(occ.Description)
		}
		if occ.Location != "" {
			ev.SetLocation(occ.Location)
		}
	}

	if err := cal.SerializeTo(w); err != nil {
		return fmt.Errorf("serialize calendar: %w", err)
	}
	return nil
}
