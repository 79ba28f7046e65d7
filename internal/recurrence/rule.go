package recurrence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Rule is the subset of RFC 5545 RRULE the listing supports.
type Rule struct {
	Freq     rrule.Frequency
	Interval int
	Count    int
	Wkst     time.Weekday

	// Until is zero when the rule is unbounded. UntilUTC records whether
	// the source value was an absolute UTC instant ("...Z") rather than a
	// floating date or date-time.
	Until    time.Time
	UntilUTC bool

	// ByDay holds the requested weekdays of a WEEKLY rule, sorted.
	ByDay []time.Weekday
	// ByMonthDay is the requested day of a MONTHLY rule, 0 when unset.
	ByMonthDay int

	Raw string
}

// RuleParseError reports a recurrence rule that is malformed or outside
// the supported subset. It affects a single event only.
type RuleParseError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *RuleParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recurrence rule %q: %s: %v", e.Rule, e.Reason, e.Err)
	}
	return fmt.Sprintf("recurrence rule %q: %s", e.Rule, e.Reason)
}

func (e *RuleParseError) Unwrap() error { return e.Err }

func ruleError(raw, reason string, err error) *RuleParseError {
	return &RuleParseError{Rule: raw, Reason: reason, Err: err}
}

// ParseRule parses an RRULE value ("FREQ=WEEKLY;BYDAY=TU,SA", with or
// without the "RRULE:" prefix).
func ParseRule(raw string) (Rule, error) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	text = strings.TrimPrefix(text, "RRULE:")
	if text == "" {
		return Rule{}, ruleError(raw, "empty rule", nil)
	}
	if strings.ContainsAny(text, "\r\n") {
		return Rule{}, ruleError(raw, "multi-line rules are not supported", nil)
	}

	opt, err := rrule.StrToROption(text)
	if err != nil {
		return Rule{}, ruleError(raw, "malformed rule", err)
	}

	r := Rule{
		Freq:     opt.Freq,
		Interval: opt.Interval,
		Count:    opt.Count,
		Wkst:     fromRRuleWeekday(opt.Wkst),
		Until:    opt.Until,
		Raw:      raw,
	}
	if r.Interval < 0 || r.Count < 0 {
		return Rule{}, ruleError(raw, "INTERVAL and COUNT must not be negative", nil)
	}
	if !opt.Until.IsZero() {
		untilValue := partValue(text, "UNTIL")
		r.UntilUTC = strings.HasSuffix(untilValue, "Z")
		if !strings.Contains(untilValue, "T") {
			// A date-only UNTIL covers the whole day.
			r.Until = opt.Until.Add(24*time.Hour - time.Second)
		}
	}

	switch {
	case len(opt.Bysetpos) > 0:
		return Rule{}, ruleError(raw, "BYSETPOS is not supported", nil)
	case len(opt.Bymonth) > 0, len(opt.Byyearday) > 0, len(opt.Byweekno) > 0,
		len(opt.Byhour) > 0, len(opt.Byminute) > 0, len(opt.Bysecond) > 0,
		len(opt.Byeaster) > 0:
		return Rule{}, ruleError(raw, "only BYDAY and BYMONTHDAY constraints are supported", nil)
	}

	switch opt.Freq {
	case rrule.DAILY, rrule.YEARLY:
		if len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0 {
			return Rule{}, ruleError(raw, fmt.Sprintf("%s rules take no BY constraints", opt.Freq), nil)
		}
	case rrule.WEEKLY:
		if len(opt.Bymonthday) > 0 {
			return Rule{}, ruleError(raw, "BYMONTHDAY is not supported on WEEKLY rules", nil)
		}
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				return Rule{}, ruleError(raw, "ordinal BYDAY values are not supported", nil)
			}
			day := fromRRuleWeekday(wd)
			if !slices.Contains(r.ByDay, day) {
				r.ByDay = append(r.ByDay, day)
			}
		}
		slices.Sort(r.ByDay)
	case rrule.MONTHLY:
		if len(opt.Byweekday) > 0 {
			return Rule{}, ruleError(raw, "BYDAY is not supported on MONTHLY rules", nil)
		}
		switch len(opt.Bymonthday) {
		case 0:
		case 1:
			day := opt.Bymonthday[0]
			if day < 1 || day > 31 {
				return Rule{}, ruleError(raw, "BYMONTHDAY must be between 1 and 31", nil)
			}
			r.ByMonthDay = day
		default:
			return Rule{}, ruleError(raw, "BYMONTHDAY must name a single day", nil)
		}
	default:
		return Rule{}, ruleError(raw, fmt.Sprintf("frequency %s is not supported", opt.Freq), nil)
	}

	return r, nil
}

// HasWeekday reports whether d is one of the rule's BYDAY weekdays.
func (r Rule) HasWeekday(d time.Weekday) bool {
	return slices.Contains(r.ByDay, d)
}

// String renders the rule back to RRULE text.
func (r Rule) String() string {
	opt := r.option(time.Time{})
	return opt.RRuleString()
}

func (r Rule) option(dtstart time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:     r.Freq,
		Dtstart:  dtstart,
		Interval: r.Interval,
		Count:    r.Count,
		Until:    r.Until,
		Wkst:     toRRuleWeekday(r.Wkst),
	}
	for _, d := range r.ByDay {
		opt.Byweekday = append(opt.Byweekday, toRRuleWeekday(d))
	}
	if r.ByMonthDay != 0 {
		opt.Bymonthday = []int{r.ByMonthDay}
	}
	return opt
}

// partValue returns the raw value of one NAME=value part of an RRULE.
func partValue(rule, name string) string {
	for _, part := range strings.Split(rule, ";") {
		if k, v, ok := strings.Cut(part, "="); ok && k == name {
			return v
		}
	}
	return ""
}

// rrule-go numbers weekdays from Monday (0) to Sunday (6).
var rruleWeekdays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

func toRRuleWeekday(d time.Weekday) rrule.Weekday {
	return rruleWeekdays[(int(d)+6)%7]
}

func fromRRuleWeekday(wd rrule.Weekday) time.Weekday {
	return time.Weekday((wd.Day() + 1) % 7)
}
