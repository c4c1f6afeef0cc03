package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kiloguardian/kilo/pkg/types"
)

// NextAfter computes the next firing instant for a spec strictly after
// base. Firings pin to wall-clock local time in the spec's timezone; a DST
// transition still yields exactly one firing per local wall time. Returns
// the zero time for non-recurring specs.
func NextAfter(spec types.FiringSpec, base time.Time) time.Time {
	loc, err := time.LoadLocation(spec.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := base.In(loc)

	switch spec.Recurrence {
	case types.RecurrenceDaily, types.RecurrenceFallback:
		next := time.Date(local.Year(), local.Month(), local.Day(), spec.Hour, spec.Minute, 0, 0, loc)
		if !next.After(base) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case types.RecurrenceWeekly:
		next := time.Date(local.Year(), local.Month(), local.Day(), spec.Hour, spec.Minute, 0, 0, loc)
		days := (int(spec.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(base) {
			next = next.AddDate(0, 0, 7)
		}
		return next

	case types.RecurrenceHourly:
		// Anchored cycle: firings at anchor + k*interval. Walk forward from
		// the anchor on the previous calendar day to cover cycles that span
		// midnight.
		anchor := time.Date(local.Year(), local.Month(), local.Day(), spec.Hour, spec.Minute, 0, 0, loc)
		anchor = anchor.AddDate(0, 0, -1)
		step := time.Duration(spec.IntervalHours) * time.Hour
		next := anchor
		for !next.After(base) {
			next = next.Add(step)
		}
		return next

	case types.RecurrenceCron:
		sched, err := cronParser.Parse(spec.CronExpr)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(base.In(loc))
	}

	return time.Time{}
}

// FirstAfter returns the earliest next firing across all specs in the
// schedule, plus the spec that produced it.
func (s *Schedule) FirstAfter(base time.Time) (time.Time, types.FiringSpec) {
	var best time.Time
	var bestSpec types.FiringSpec
	for _, spec := range s.Specs {
		next := NextAfter(spec, base)
		if next.IsZero() {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
			bestSpec = spec
		}
	}
	return best, bestSpec
}

// String renders the canonical form of the schedule. Parsing the canonical
// form yields an identical schedule, so canonicalization is idempotent.
func (s *Schedule) String() string {
	if len(s.Specs) == 0 {
		return ""
	}
	first := s.Specs[0]

	switch first.Recurrence {
	case types.RecurrenceHourly:
		return fmt.Sprintf("every %d hours", first.IntervalHours)
	case types.RecurrenceWeekly:
		return fmt.Sprintf("weekly on %s at %02d:%02d",
			strings.ToLower(first.Weekday.String()), first.Hour, first.Minute)
	case types.RecurrenceCron:
		return "cron: " + first.CronExpr
	}

	// Daily (including fallback, which canonicalizes to its daily form)
	if len(s.Specs) == 1 {
		return fmt.Sprintf("daily at %02d:%02d", first.Hour, first.Minute)
	}

	specs := make([]types.FiringSpec, len(s.Specs))
	copy(specs, s.Specs)
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Hour != specs[j].Hour {
			return specs[i].Hour < specs[j].Hour
		}
		return specs[i].Minute < specs[j].Minute
	})

	times := make([]string, len(specs))
	for i, sp := range specs {
		times[i] = fmt.Sprintf("%02d:%02d", sp.Hour, sp.Minute)
	}
	return fmt.Sprintf("%d times daily at %s", len(specs), strings.Join(times, ", "))
}
