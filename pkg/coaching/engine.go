package coaching

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/events"
	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/metrics"
	"github.com/kiloguardian/kilo/pkg/storage"
	"github.com/kiloguardian/kilo/pkg/types"
)

// maxCooldown caps feedback-inflated cooldowns
const maxCooldown = 7 * 24 * time.Hour

// EventSource provides the adherence history the detectors read.
// Satisfied by the storage event log.
type EventSource interface {
	ListByMedSince(medID string, since time.Time) ([]*types.AdherenceEvent, error)
}

// MedSource resolves medication attributes for message templates.
// Satisfied by the medication store.
type MedSource interface {
	Get(id string) (*types.Medication, error)
}

// Config holds the engine's tunables
type Config struct {
	// User scopes messages; single-profile deployments use "default"
	User string
	// Cooldown is the base interval between messages of one kind
	Cooldown time.Duration
	// RefillCooldown is the base interval between refill messages, which
	// repeat far less often than the behavioural ones
	RefillCooldown time.Duration
	// QuietStart/QuietEnd delimit the no-delivery window, in minutes since
	// local midnight. Equal values disable the window.
	QuietStart int
	QuietEnd   int
	Timezone   string
	// Window is how far back detectors look
	Window time.Duration
	// NotifyURLs receive a POST for each delivered message
	NotifyURLs []string
}

func (c *Config) defaults() {
	if c.User == "" {
		c.User = "default"
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 4 * time.Hour
	}
	if c.RefillCooldown <= 0 {
		c.RefillCooldown = 24 * time.Hour
	}
	if c.Window <= 0 {
		c.Window = 28 * 24 * time.Hour
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

// Engine recomputes patterns from the event log and generates coaching
// messages. Bus events are wake-up signals only; every recompute reads
// the durable log, so a dropped signal costs freshness, not correctness.
type Engine struct {
	store  *storage.CoachingStore
	events EventSource
	meds   MedSource
	bus    *events.Bus
	clk    clock.PassiveClock
	cfg    Config
	client *http.Client
}

// New creates a coaching engine. Call Subscribe to attach it to the bus.
func New(store *storage.CoachingStore, eventSource EventSource, meds MedSource, bus *events.Bus, clk clock.PassiveClock, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		store:  store,
		events: eventSource,
		meds:   meds,
		bus:    bus,
		clk:    clk,
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Subscribe attaches the engine to the adherence topics it reacts to
func (e *Engine) Subscribe() {
	e.bus.Subscribe("coaching", []types.Topic{
		types.TopicMedicationAdded,
		types.TopicDoseTaken,
		types.TopicDoseMissed,
		types.TopicDoseLate,
		types.TopicQuantityLow,
	}, e.handle)
}

// Health reports whether the engine can reach its store
func (e *Engine) Health(ctx context.Context) error {
	_, err := e.store.ListMessages(e.cfg.User)
	return err
}

func (e *Engine) handle(ctx context.Context, event types.Event) error {
	medID, _ := event.Data["med_id"].(string)
	if medID == "" {
		return nil
	}

	switch event.Topic {
	case types.TopicDoseMissed:
		if err := e.missedDose(medID); err != nil {
			return err
		}
	case types.TopicQuantityLow:
		if err := e.quantityLow(medID, event.Data); err != nil {
			return err
		}
		return nil
	}
	return e.Recompute(medID)
}

// missedDose voices an immediate nudge for a missed firing
func (e *Engine) missedDose(medID string) error {
	med, err := e.meds.Get(medID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	text := fmt.Sprintf("You missed your %s dose. Take it as soon as you remember, or skip it if the next one is close.", med.Name)
	return e.generate(types.MessageMissedDose, med.ID, text)
}

// quantityLow records the refill pattern and voices a refill message
func (e *Engine) quantityLow(medID string, data map[string]any) error {
	med, err := e.meds.Get(medID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	days, _ := data["days_remaining"].(float64)

	now := e.clk.Now().UTC()
	pattern := &types.Pattern{
		MedID:       medID,
		Kind:        types.PatternQuantityLow,
		Confidence:  1,
		WindowStart: now,
		WindowEnd:   now,
		Description: fmt.Sprintf("about %.0f days of %s remaining", days, med.Name),
		Params:      map[string]float64{"days_remaining": days, "quantity": float64(med.Quantity)},
		DetectedAt:  now,
	}
	if err := e.store.UpsertPattern(pattern); err != nil {
		return err
	}
	metrics.PatternsDetectedTotal.WithLabelValues(string(types.PatternQuantityLow)).Inc()
	e.bus.Publish(types.TopicPatternDetected, map[string]any{
		"med_id":     medID,
		"kind":       string(types.PatternQuantityLow),
		"confidence": 1.0,
	})

	text := fmt.Sprintf("%s is running low: about %.0f days left. Time to arrange a refill.", med.Name, days)
	return e.generate(types.MessageRefill, med.ID, text)
}

// Recompute reruns every history detector for one medication and
// reconciles the pattern store with the findings.
func (e *Engine) Recompute(medID string) error {
	med, err := e.meds.Get(medID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // medication deleted, nothing to coach
		}
		return err
	}

	now := e.clk.Now().UTC()
	since := now.Add(-e.cfg.Window)
	evts, err := e.events.ListByMedSince(medID, since)
	if err != nil {
		return fmt.Errorf("failed to load adherence history: %w", err)
	}

	findings := detect(evts, now, e.location())
	found := make(map[types.PatternKind]bool, len(findings))

	for _, f := range findings {
		found[f.kind] = true
		pattern := &types.Pattern{
			MedID:       medID,
			Kind:        f.kind,
			Confidence:  f.confidence,
			WindowStart: since,
			WindowEnd:   now,
			Description: f.description,
			Params:      f.params,
			DetectedAt:  now,
		}
		if err := e.store.UpsertPattern(pattern); err != nil {
			return err
		}
		metrics.PatternsDetectedTotal.WithLabelValues(string(f.kind)).Inc()
		log.WithMedID(medID).Info().
			Str("kind", string(f.kind)).
			Float64("confidence", f.confidence).
			Msg("pattern detected")
		e.bus.Publish(types.TopicPatternDetected, map[string]any{
			"med_id":     medID,
			"kind":       string(f.kind),
			"confidence": f.confidence,
		})

		text := messageText(f, med)
		if err := e.generate(f.message, med.ID, text); err != nil {
			return err
		}
	}

	// Detectors that no longer fire retract their patterns
	for _, kind := range detectableKinds {
		if !found[kind] {
			if err := e.store.DeletePattern(medID, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

func messageText(f finding, med *types.Medication) string {
	switch f.message {
	case types.MessageLatePattern:
		day := time.Weekday(int(f.params["weekday"]))
		return fmt.Sprintf("Your %s doses tend to run about %.0f minutes late on %ss. An earlier alarm that day could help.",
			med.Name, f.params["mean_minutes_late"], day)
	case types.MessageMissPattern:
		day := time.Weekday(int(f.params["weekday"]))
		return fmt.Sprintf("You often miss %s on %ss. Pairing the dose with a fixed routine that day could help.",
			med.Name, day)
	case types.MessageTrendUp:
		return fmt.Sprintf("Nice work: your %s adherence has been improving week over week.", med.Name)
	case types.MessageTrendDown:
		return fmt.Sprintf("Your %s adherence has been slipping over the past weeks. A schedule review might help.", med.Name)
	}
	return f.description
}

// generate persists one message unless its kind is cooling down. Messages
// born inside quiet hours carry a not-before stamp and queue until the
// window ends.
func (e *Engine) generate(kind types.MessageKind, medID, text string) error {
	now := e.clk.Now().UTC()

	last, ok, err := e.store.LastGeneratedAt(e.cfg.User, kind, medID)
	if err != nil {
		return err
	}
	if ok && now.Sub(last) < e.cooldownFor(kind) {
		metrics.MessagesSuppressedTotal.Inc()
		log.WithMedID(medID).Debug().
			Str("kind", string(kind)).
			Msg("message suppressed by cooldown")
		return nil
	}

	msg := &types.CoachingMessage{
		User:        e.cfg.User,
		MedID:       medID,
		Kind:        kind,
		Text:        text,
		GeneratedAt: now,
		NotBefore:   e.deliverableAfter(now),
	}
	if err := e.store.SaveMessage(msg); err != nil {
		return err
	}
	metrics.MessagesGeneratedTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// cooldownFor doubles the base cooldown once per consecutive negative
// feedback on record for the kind, capped at maxCooldown. The streak is
// derived from the persisted messages, so it survives a restart.
func (e *Engine) cooldownFor(kind types.MessageKind) time.Duration {
	base := e.cfg.Cooldown
	if kind == types.MessageRefill {
		base = e.cfg.RefillCooldown
	}

	cd := base
	for i := 0; i < e.negativeStreak(kind) && cd < maxCooldown; i++ {
		cd *= 2
	}
	if cd > maxCooldown {
		cd = maxCooldown
	}
	return cd
}

// negativeStreak counts the feedback-bearing messages of the kind,
// newest first, up to the most recent helpful one.
func (e *Engine) negativeStreak(kind types.MessageKind) int {
	msgs, err := e.store.ListMessages(e.cfg.User)
	if err != nil {
		return 0
	}
	streak := 0
	for _, m := range msgs {
		if m.Kind != kind || m.Feedback == "" {
			continue
		}
		if m.Feedback == types.FeedbackHelpful {
			break
		}
		streak++
	}
	return streak
}

// deliverableAfter returns the end of the quiet window when now falls
// inside it, and the zero time otherwise.
func (e *Engine) deliverableAfter(now time.Time) time.Time {
	start, end := e.cfg.QuietStart, e.cfg.QuietEnd
	if start == end {
		return time.Time{}
	}

	local := now.In(e.location())
	m := local.Hour()*60 + local.Minute()

	inQuiet := false
	if start < end {
		inQuiet = m >= start && m < end
	} else {
		// Window wraps midnight, e.g. 22:00 -> 07:00
		inQuiet = m >= start || m < end
	}
	if !inQuiet {
		return time.Time{}
	}

	boundary := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, local.Location())
	if !boundary.After(local) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary.UTC()
}

// DueMessages delivers every pending message whose not-before time has
// passed: each is posted to the notification sinks, marked delivered and
// returned. Pulling the endpoint is the delivery act.
func (e *Engine) DueMessages() ([]*types.CoachingMessage, error) {
	now := e.clk.Now().UTC()
	pending, err := e.store.PendingMessages(now)
	if err != nil {
		return nil, err
	}

	delivered := make([]*types.CoachingMessage, 0, len(pending))
	for _, msg := range pending {
		e.notify(msg)
		updated, err := e.store.MarkDelivered(msg.ID, now)
		if err != nil {
			return delivered, err
		}
		delivered = append(delivered, updated)
	}
	return delivered, nil
}

// Messages returns the user's full message history, newest first
func (e *Engine) Messages() ([]*types.CoachingMessage, error) {
	return e.store.ListMessages(e.cfg.User)
}

// Patterns returns the current patterns for a medication
func (e *Engine) Patterns(medID string) ([]*types.Pattern, error) {
	return e.store.ListPatterns(medID)
}

// RecordFeedback stores the user's reaction. Each stored negative
// reaction doubles the kind's cooldown until a helpful one resets it;
// the adjustment is read back from the store, never held in memory.
func (e *Engine) RecordFeedback(messageID string, feedback types.Feedback) (*types.CoachingMessage, error) {
	switch feedback {
	case types.FeedbackHelpful, types.FeedbackNotHelpful, types.FeedbackDismissed:
	default:
		return nil, fmt.Errorf("unknown feedback %q: %w", feedback, storage.ErrConflict)
	}
	return e.store.RecordFeedback(messageID, feedback, e.clk.Now().UTC())
}

// AdherenceSummary aggregates one medication's recent outcomes
type AdherenceSummary struct {
	MedID      string  `json:"med_id"`
	WindowDays int     `json:"window_days"`
	Taken      int     `json:"taken"`
	Late       int     `json:"late"`
	Missed     int     `json:"missed"`
	Rate       float64 `json:"rate"`
}

// Summary computes the adherence summary over the trailing window
func (e *Engine) Summary(medID string, windowDays int) (*AdherenceSummary, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	now := e.clk.Now().UTC()
	evts, err := e.events.ListByMedSince(medID, now.AddDate(0, 0, -windowDays))
	if err != nil {
		return nil, err
	}

	summary := &AdherenceSummary{MedID: medID, WindowDays: windowDays}
	for _, ev := range evts {
		switch ev.Kind {
		case types.EventTaken:
			summary.Taken++
		case types.EventLate:
			summary.Late++
		case types.EventMissed:
			summary.Missed++
		}
	}
	if total := summary.Taken + summary.Late + summary.Missed; total > 0 {
		summary.Rate = float64(summary.Taken+summary.Late) / float64(total)
	}
	return summary, nil
}

func (e *Engine) notify(msg *types.CoachingMessage) {
	if len(e.cfg.NotifyURLs) == 0 {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, url := range e.cfg.NotifyURLs {
		resp, err := e.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			log.WithComponent("coaching").Warn().
				Err(err).
				Str("sink", url).
				Msg("notification sink unreachable")
			continue
		}
		resp.Body.Close()
	}
}

func (e *Engine) location() *time.Location {
	loc, err := time.LoadLocation(e.cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
