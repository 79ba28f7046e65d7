package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// Engine enumerates the raw instants of a rule anchored at reference.
// Bounds are inclusive; results are ascending and free of duplicates.
//
// The expander hands engines floating values (see tzclock.Parts.Floating),
// so an implementation does not need to know the business timezone.
type Engine interface {
	Enumerate(rule Rule, reference, rangeStart, rangeEnd time.Time) ([]time.Time, error)
}

// RRuleEngine is the Engine backed by github.com/teambition/rrule-go.
type RRuleEngine struct{}

// NewRRuleEngine creates a new rrule-go backed engine.
func NewRRuleEngine() *RRuleEngine {
	return &RRuleEngine{}
}

func (e *RRuleEngine) Enumerate(rule Rule, reference, rangeStart, rangeEnd time.Time) ([]time.Time, error) {
	if rangeEnd.Before(rangeStart) {
		return nil, nil
	}
	r, err := rrule.NewRRule(rule.option(reference))
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}
	return r.Between(rangeStart, rangeEnd, true), nil
}
