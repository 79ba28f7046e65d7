package tzclock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimezoneConfigurationError reports a business timezone name that cannot
// be used. It is a startup error; callers must not substitute another zone.
type TimezoneConfigurationError struct {
	Name string
	Err  error
}

func (e *TimezoneConfigurationError) Error() string {
	return fmt.Sprintf("invalid business timezone %q: %v", e.Name, e.Err)
}

func (e *TimezoneConfigurationError) Unwrap() error { return e.Err }

var (
	errEmptyZone = errors.New("timezone name is empty")
	errLocalZone = errors.New("the process-local zone is not a business timezone")
)

// LoadLocation resolves an IANA timezone name. Empty names and "Local"
// are rejected because time.LoadLocation would silently map them to UTC
// and the host zone.
func LoadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return nil, &TimezoneConfigurationError{Name: name, Err: errEmptyZone}
	case strings.EqualFold(trimmed, "local"):
		return nil, &TimezoneConfigurationError{Name: name, Err: errLocalZone}
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, &TimezoneConfigurationError{Name: name, Err: err}
	}
	return loc, nil
}
