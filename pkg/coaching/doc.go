// Package coaching is the pattern and coaching engine. It recomputes
// rule-based adherence detectors from the event log whenever the bus
// signals new activity, persists detected patterns, and turns them into
// rate-limited coaching messages that respect quiet hours and user
// feedback.
package coaching
