// Package listing shapes expanded occurrences for the public events page.
package listing

import (
	"time"

	"venuecal/internal/model"
)

// MonthLayout is the key format of a MonthGroup.
const MonthLayout = "2006-01"

// MonthGroup holds the occurrences that start in one business-timezone
// calendar month.
type MonthGroup struct {
	Month       string             `json:"month"`
	Occurrences []model.Occurrence `json:"occurrences"`
}

// GroupByMonth buckets occs by the month their start falls in on loc's
// wall clock. occs must already be sorted by start; groups come out in
// the same order and months without occurrences are omitted.
func GroupByMonth(occs []model.Occurrence, loc *time.Location) []MonthGroup {
	groups := make([]MonthGroup, 0)
	for _, occ := range occs {
		month := occ.Start.In(loc).Format(MonthLayout)
		if n := len(groups); n > 0 && groups[n-1].Month == month {
			groups[n-1].Occurrences = append(groups[n-1].Occurrences, occ)
			continue
		}
		groups = append(groups, MonthGroup{Month: month, Occurrences: []model.Occurrence{occ}})
	}
	return groups
}
