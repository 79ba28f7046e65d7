package model

import (
	"strings"
	"time"
)

// EventDefinition is a venue event as stored by the event store, before
// recurrence expansion. A definition with an empty RecurrenceRule is a
// one-time event.
type EventDefinition struct {
	ID          string
	Title       string
	Description string
	Location    string

	// Start / End are absolute instants. End is optional.
	Start time.Time
	End   *time.Time

	// RecurrenceRule is an RRULE value such as "FREQ=WEEKLY;BYDAY=TU,SA".
	RecurrenceRule string

	// Exceptions are calendar dates (YYYY-MM-DD) in the business timezone
	// on which a recurring event does not take place.
	Exceptions []string

	IsActive bool

	// Source is the feed ID the definition was imported from, empty for
	// rows maintained by hand.
	Source string
}

// IsRecurring reports whether the definition carries a recurrence rule.
func (e EventDefinition) IsRecurring() bool {
	return strings.TrimSpace(e.RecurrenceRule) != ""
}

// Occurrence is a single concrete appearance of an event inside a
// queried range. It is derived on every expansion and never persisted.
type Occurrence struct {
	EventID string `json:"event_id"`

	// InstanceKey uniquely identifies a single occurrence of an event,
	// derived from the event ID and the UTC start instant.
	InstanceKey string `json:"instance_key"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// Start / End carry the business timezone offset.
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`

	IsRecurring bool `json:"is_recurring"`
}

// NewInstanceKey builds the stable per-occurrence key.
func NewInstanceKey(eventID string, start time.Time) string {
	return eventID + "@" + start.UTC().Format(time.RFC3339)
}
