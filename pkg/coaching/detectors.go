package coaching

import (
	"fmt"
	"time"

	"github.com/kiloguardian/kilo/pkg/types"
)

const (
	// minSamples is the floor below which no weekday detector reports
	minSamples = 4
	// lateMeanThreshold is the mean lateness in minutes that flags a weekday
	lateMeanThreshold = 15.0
	// missRateThreshold is the per-weekday miss rate that flags a weekday
	missRateThreshold = 0.3
	// trendSlopeThreshold is the weekly adherence slope that flags a trend
	trendSlopeThreshold = 0.05
	// trendMinWeeks is the minimum number of weeks with data for a trend
	trendMinWeeks = 3
)

// finding is one detector hit, ready to be persisted as a pattern and
// voiced as a coaching message.
type finding struct {
	kind        types.PatternKind
	message     types.MessageKind
	confidence  float64
	description string
	params      map[string]float64
}

// detectableKinds are the pattern kinds the recompute pass owns; a kind
// absent from the findings is deleted. quantity_low is event-driven and
// managed outside the recompute pass.
var detectableKinds = []types.PatternKind{
	types.PatternLateOnWeekday,
	types.PatternMissOnWeekday,
	types.PatternAdherenceTrendUp,
	types.PatternAdherenceTrendDown,
}

// detect runs every history detector over one medication's events.
// Weekdays are judged by the scheduled firing time in loc.
func detect(evts []*types.AdherenceEvent, now time.Time, loc *time.Location) []finding {
	var findings []finding
	findings = append(findings, detectLateWeekdays(evts, loc)...)
	findings = append(findings, detectMissWeekdays(evts, loc)...)
	if f, ok := detectTrend(evts, now); ok {
		findings = append(findings, f)
	}
	return findings
}

type weekdayTally struct {
	confirmed   int
	missed      int
	lateMinutes int
}

func tallyByWeekday(evts []*types.AdherenceEvent, loc *time.Location) map[time.Weekday]*weekdayTally {
	tallies := make(map[time.Weekday]*weekdayTally)
	for _, e := range evts {
		day := e.ScheduledAt.In(loc).Weekday()
		tally := tallies[day]
		if tally == nil {
			tally = &weekdayTally{}
			tallies[day] = tally
		}
		switch e.Kind {
		case types.EventTaken, types.EventLate:
			tally.confirmed++
			tally.lateMinutes += e.MinutesLate
		case types.EventMissed:
			tally.missed++
		}
	}
	return tallies
}

// detectLateWeekdays flags weekdays whose confirmed doses average at
// least lateMeanThreshold minutes behind schedule. Confidence grows with
// sample count: n/10 capped at 1.
func detectLateWeekdays(evts []*types.AdherenceEvent, loc *time.Location) []finding {
	var findings []finding
	for day, tally := range tallyByWeekday(evts, loc) {
		if tally.confirmed < minSamples {
			continue
		}
		mean := float64(tally.lateMinutes) / float64(tally.confirmed)
		if mean < lateMeanThreshold {
			continue
		}
		findings = append(findings, finding{
			kind:       types.PatternLateOnWeekday,
			message:    types.MessageLatePattern,
			confidence: confidenceFromSamples(tally.confirmed),
			description: fmt.Sprintf("doses on %s average %.0f minutes late over %d doses",
				day, mean, tally.confirmed),
			params: map[string]float64{
				"weekday":           float64(day),
				"mean_minutes_late": mean,
				"samples":           float64(tally.confirmed),
			},
		})
	}
	return findings
}

// detectMissWeekdays flags weekdays whose miss rate reaches
// missRateThreshold.
func detectMissWeekdays(evts []*types.AdherenceEvent, loc *time.Location) []finding {
	var findings []finding
	for day, tally := range tallyByWeekday(evts, loc) {
		total := tally.confirmed + tally.missed
		if total < minSamples {
			continue
		}
		rate := float64(tally.missed) / float64(total)
		if rate < missRateThreshold {
			continue
		}
		findings = append(findings, finding{
			kind:       types.PatternMissOnWeekday,
			message:    types.MessageMissPattern,
			confidence: confidenceFromSamples(total),
			description: fmt.Sprintf("%.0f%% of doses on %s are missed (%d of %d)",
				rate*100, day, tally.missed, total),
			params: map[string]float64{
				"weekday":   float64(day),
				"miss_rate": rate,
				"samples":   float64(total),
			},
		})
	}
	return findings
}

// detectTrend fits a least-squares line through weekly adherence rates
// and reports a trend when the slope clears trendSlopeThreshold per week
// over at least trendMinWeeks weeks with data.
func detectTrend(evts []*types.AdherenceEvent, now time.Time) (finding, bool) {
	type weekTally struct{ confirmed, total int }
	weeks := make(map[int]*weekTally)
	for _, e := range evts {
		// Week 0 is the current week, counting back from now
		age := int(now.Sub(e.ScheduledAt).Hours() / (24 * 7))
		if age < 0 {
			age = 0
		}
		w := weeks[age]
		if w == nil {
			w = &weekTally{}
			weeks[age] = w
		}
		w.total++
		if e.Kind == types.EventTaken || e.Kind == types.EventLate {
			w.confirmed++
		}
	}
	if len(weeks) < trendMinWeeks {
		return finding{}, false
	}

	// x runs forward in time, so a positive slope means improving
	var xs, ys []float64
	for age, w := range weeks {
		xs = append(xs, -float64(age))
		ys = append(ys, float64(w.confirmed)/float64(w.total))
	}
	slope := leastSquaresSlope(xs, ys)

	if slope >= trendSlopeThreshold {
		return finding{
			kind:        types.PatternAdherenceTrendUp,
			message:     types.MessageTrendUp,
			confidence:  confidenceFromWeeks(len(weeks)),
			description: fmt.Sprintf("adherence improving by %.0f%% per week over %d weeks", slope*100, len(weeks)),
			params:      map[string]float64{"slope": slope, "weeks": float64(len(weeks))},
		}, true
	}
	if slope <= -trendSlopeThreshold {
		return finding{
			kind:        types.PatternAdherenceTrendDown,
			message:     types.MessageTrendDown,
			confidence:  confidenceFromWeeks(len(weeks)),
			description: fmt.Sprintf("adherence declining by %.0f%% per week over %d weeks", -slope*100, len(weeks)),
			params:      map[string]float64{"slope": slope, "weeks": float64(len(weeks))},
		}, true
	}
	return finding{}, false
}

func leastSquaresSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func confidenceFromSamples(n int) float64 {
	c := float64(n) / 10
	if c > 1 {
		c = 1
	}
	return c
}

func confidenceFromWeeks(n int) float64 {
	c := float64(n) / 8
	if c > 1 {
		c = 1
	}
	return c
}
