package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kiloguardian/kilo/pkg/types"
)

// Severity classifies a parse diagnostic
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic describes a problem encountered while parsing a schedule.
// The parser never fails; diagnostics let the registry warn the user.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Schedule is the canonical expansion of a schedule string: an ordered
// list of firing specs plus the cadence needed to compute the next firing
// from any base timestamp.
type Schedule struct {
	Specs []types.FiringSpec
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var countWords = map[string]int{
	"once":  1,
	"twice": 2,
	"two":   2,
	"three": 3,
	"four":  4,
	"five":  5,
	"six":   6,
}

// Parse converts a free-form schedule string into a canonical Schedule.
// Same input always yields the same output; an unrecognized string falls
// back to a single 09:00 daily firing with a warning diagnostic.
func Parse(input, tz string) (*Schedule, []Diagnostic) {
	var diags []Diagnostic

	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		diags = append(diags, Diagnostic{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("unknown timezone %q, using UTC", tz),
		})
		tz = "UTC"
	}

	s := strings.ToLower(strings.TrimSpace(input))
	s = strings.Join(strings.Fields(s), " ")

	switch {
	case strings.HasPrefix(s, "cron:"):
		return parseCron(s, tz, diags)
	case strings.HasPrefix(s, "every ") && strings.HasSuffix(s, " hours"):
		return parseHourly(s, tz, diags)
	case strings.HasPrefix(s, "weekly on "):
		return parseWeekly(s, tz, diags)
	case strings.HasPrefix(s, "daily at "):
		return parseDaily(s, tz, diags)
	case strings.Contains(s, "daily at "):
		return parseTimesDaily(s, tz, diags)
	}

	return fallback(input, tz, diags)
}

func fallback(input, tz string, diags []Diagnostic) (*Schedule, []Diagnostic) {
	diags = append(diags, Diagnostic{
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("could not parse schedule %q, defaulting to 09:00 daily", input),
	})
	return &Schedule{Specs: []types.FiringSpec{{
		Hour:       9,
		Minute:     0,
		Recurrence: types.RecurrenceFallback,
		Timezone:   tz,
	}}}, diags
}

// parseDaily handles "daily at H[:MM][am|pm]"
func parseDaily(s, tz string, diags []Diagnostic) (*Schedule, []Diagnostic) {
	h, m, ok := parseTimeOfDay(strings.TrimPrefix(s, "daily at "))
	if !ok {
		return fallback(s, tz, diags)
	}
	return &Schedule{Specs: []types.FiringSpec{{
		Hour:       h,
		Minute:     m,
		Recurrence: types.RecurrenceDaily,
		Timezone:   tz,
	}}}, diags
}

// parseTimesDaily handles "N times daily at T1[, T2...]" and the spelled
// forms "twice daily at 8am and 8pm", "three times daily at ..."
func parseTimesDaily(s, tz string, diags []Diagnostic) (*Schedule, []Diagnostic) {
	idx := strings.Index(s, "daily at ")
	head := strings.TrimSpace(s[:idx])
	tail := strings.TrimSpace(s[idx+len("daily at "):])

	head = strings.TrimSuffix(head, " times")
	head = strings.TrimSpace(head)

	n, ok := countWords[head]
	if !ok {
		parsed, err := strconv.Atoi(head)
		if err != nil || parsed < 1 || parsed > 12 {
			return fallback(s, tz, diags)
		}
		n = parsed
	}

	// Times are separated by commas and/or "and"
	tail = strings.ReplaceAll(tail, " and ", ",")
	parts := strings.Split(tail, ",")

	var specs []types.FiringSpec
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		h, m, ok := parseTimeOfDay(p)
		if !ok {
			return fallback(s, tz, diags)
		}
		specs = append(specs, types.FiringSpec{
			Hour:       h,
			Minute:     m,
			Recurrence: types.RecurrenceDaily,
			Timezone:   tz,
		})
	}

	if len(specs) == 0 {
		return fallback(s, tz, diags)
	}
	if len(specs) != n {
		diags = append(diags, Diagnostic{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("schedule names %d firings but lists %d times", n, len(specs)),
		})
	}

	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Hour != specs[j].Hour {
			return specs[i].Hour < specs[j].Hour
		}
		return specs[i].Minute < specs[j].Minute
	})
	return &Schedule{Specs: specs}, diags
}

// parseHourly handles "every N hours" (2 <= N <= 24), anchored at midnight
func parseHourly(s, tz string, diags []Diagnostic) (*Schedule, []Diagnostic) {
	numStr := strings.TrimSuffix(strings.TrimPrefix(s, "every "), " hours")
	n, err := strconv.Atoi(strings.TrimSpace(numStr))
	if err != nil || n < 2 || n > 24 {
		return fallback(s, tz, diags)
	}
	return &Schedule{Specs: []types.FiringSpec{{
		Hour:          0,
		Minute:        0,
		Recurrence:    types.RecurrenceHourly,
		IntervalHours: n,
		Timezone:      tz,
	}}}, diags
}

// parseWeekly handles "weekly on <weekday> at T"
func parseWeekly(s, tz string, diags []Diagnostic) (*Schedule, []Diagnostic) {
	rest := strings.TrimPrefix(s, "weekly on ")
	idx := strings.Index(rest, " at ")
	if idx < 0 {
		return fallback(s, tz, diags)
	}
	day, ok := weekdays[strings.TrimSpace(rest[:idx])]
	if !ok {
		return fallback(s, tz, diags)
	}
	h, m, ok := parseTimeOfDay(rest[idx+len(" at "):])
	if !ok {
		return fallback(s, tz, diags)
	}
	return &Schedule{Specs: []types.FiringSpec{{
		Hour:       h,
		Minute:     m,
		Recurrence: types.RecurrenceWeekly,
		Weekday:    day,
		Timezone:   tz,
	}}}, diags
}

// parseCron handles "cron: <minute> <hour> <dom> <mon> <dow>"
func parseCron(s, tz string, diags []Diagnostic) (*Schedule, []Diagnostic) {
	expr := strings.TrimSpace(strings.TrimPrefix(s, "cron:"))
	if _, err := cronParser.Parse(expr); err != nil {
		diags = append(diags, Diagnostic{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("invalid cron expression %q: %v", expr, err),
		})
		return fallback(s, tz, diags)
	}
	return &Schedule{Specs: []types.FiringSpec{{
		Recurrence: types.RecurrenceCron,
		CronExpr:   expr,
		Timezone:   tz,
	}}}, diags
}

// parseTimeOfDay parses "H[:MM][ ][am|pm]" into a 24h hour and minute
func parseTimeOfDay(s string) (hour, minute int, ok bool) {
	s = strings.TrimSpace(s)

	meridiem := ""
	for _, suffix := range []string{"am", "pm"} {
		if strings.HasSuffix(s, suffix) {
			meridiem = suffix
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}

	hs, ms, found := strings.Cut(s, ":")
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, false
	}
	m := 0
	if found {
		if m, err = strconv.Atoi(ms); err != nil {
			return 0, 0, false
		}
	}

	switch meridiem {
	case "am":
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		if h != 12 {
			h += 12
		}
	default:
		if h < 0 || h > 23 {
			return 0, 0, false
		}
	}
	if m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
