package registry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/events"
	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/schedule"
	"github.com/kiloguardian/kilo/pkg/storage"
	"github.com/kiloguardian/kilo/pkg/types"
)

// Provisioner manages the reminder side of a medication's lifecycle.
// Satisfied by the adherence coordinator.
type Provisioner interface {
	ProvisionReminders(ctx context.Context, med *types.Medication, sched *schedule.Schedule) error
	Reschedule(ctx context.Context, med *types.Medication, sched *schedule.Schedule) error
	Decommission(ctx context.Context, medID string) (int, error)
	Confirm(ctx context.Context, reminderID string) (*types.Reminder, error)
}

// Input is the caller-supplied medication shape
type Input struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Quantity     int    `json:"quantity"`
	LowThreshold int    `json:"low_threshold_days"`
	Schedule     string `json:"schedule"`
	Timezone     string `json:"timezone"`
	Prescriber   string `json:"prescriber"`
	Instructions string `json:"instructions"`
}

// Registry is the medication service
type Registry struct {
	meds      *storage.MedStore
	reminders *storage.ReminderStore
	prov      Provisioner
	bus       *events.Bus
	clk       clock.PassiveClock
	extractor *Extractor
	defaultTZ string
}

// New creates a registry. extractor may be nil when no extractor sidecar
// is configured.
func New(meds *storage.MedStore, reminders *storage.ReminderStore, prov Provisioner, bus *events.Bus, clk clock.PassiveClock, extractor *Extractor, defaultTZ string) *Registry {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &Registry{
		meds:      meds,
		reminders: reminders,
		prov:      prov,
		bus:       bus,
		clk:       clk,
		extractor: extractor,
		defaultTZ: defaultTZ,
	}
}

// Health reports whether the registry can reach its store
func (r *Registry) Health(ctx context.Context) error {
	_, err := r.meds.List()
	return err
}

// Create validates and persists a medication, provisions its reminders
// and habit, and announces it. The schedule string is stored in canonical
// form; parse warnings surface as diagnostics and flag the row.
func (r *Registry) Create(ctx context.Context, in Input) (*types.Medication, []schedule.Diagnostic, error) {
	if in.Name == "" {
		return nil, nil, fmt.Errorf("medication name is required: %w", storage.ErrConflict)
	}
	tz := in.Timezone
	if tz == "" {
		tz = r.defaultTZ
	}

	sched, diags := schedule.Parse(in.Schedule, tz)
	med := &types.Medication{
		Name:         in.Name,
		Dosage:       in.Dosage,
		Quantity:     in.Quantity,
		LowThreshold: in.LowThreshold,
		Schedule:     sched.String(),
		Timezone:     tz,
		Prescriber:   in.Prescriber,
		Instructions: in.Instructions,
		ScheduleWarn: hasWarning(diags),
	}
	if err := r.meds.Create(med); err != nil {
		return nil, diags, err
	}
	if err := r.prov.ProvisionReminders(ctx, med, sched); err != nil {
		return nil, diags, err
	}
	if err := r.meds.Update(med); err != nil {
		return nil, diags, err
	}

	log.WithMedID(med.ID).Info().
		Str("name", med.Name).
		Str("schedule", med.Schedule).
		Bool("schedule_warn", med.ScheduleWarn).
		Msg("medication created")
	r.bus.Publish(types.TopicMedicationAdded, map[string]any{
		"med_id": med.ID,
		"name":   med.Name,
	})
	return med, diags, nil
}

// Get retrieves a medication
func (r *Registry) Get(id string) (*types.Medication, error) {
	return r.meds.Get(id)
}

// List returns all medications, sorted by name
func (r *Registry) List() ([]*types.Medication, error) {
	meds, err := r.meds.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(meds, func(i, j int) bool { return meds[i].Name < meds[j].Name })
	return meds, nil
}

// Update applies the input to an existing medication. A schedule or
// timezone change tears down the old reminder chains and provisions new
// ones; everything else is a plain field update.
func (r *Registry) Update(ctx context.Context, id string, in Input) (*types.Medication, []schedule.Diagnostic, error) {
	med, err := r.meds.Get(id)
	if err != nil {
		return nil, nil, err
	}

	tz := in.Timezone
	if tz == "" {
		tz = med.Timezone
	}
	sched, diags := schedule.Parse(in.Schedule, tz)
	canonical := sched.String()
	reschedule := canonical != med.Schedule || tz != med.Timezone

	if in.Name != "" {
		med.Name = in.Name
	}
	med.Dosage = in.Dosage
	med.Quantity = in.Quantity
	if in.LowThreshold > 0 {
		med.LowThreshold = in.LowThreshold
	}
	med.Prescriber = in.Prescriber
	med.Instructions = in.Instructions
	med.Schedule = canonical
	med.Timezone = tz
	med.ScheduleWarn = hasWarning(diags)
	med.NeedsReview = nil // an explicit update is the review

	if reschedule {
		// Replaces the reminder chains only; the habit and its streak
		// history survive an edited schedule.
		if err := r.prov.Reschedule(ctx, med, sched); err != nil {
			return nil, diags, err
		}
		log.WithMedID(med.ID).Info().
			Str("schedule", canonical).
			Msg("schedule changed, reminders reprovisioned")
	}
	if err := r.meds.Update(med); err != nil {
		return nil, diags, err
	}

	r.bus.Publish(types.TopicMedicationUpdated, map[string]any{
		"med_id":      med.ID,
		"rescheduled": reschedule,
	})
	return med, diags, nil
}

// Delete removes a medication, its reminders and its habit. Adherence
// history is retained.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.meds.Get(id); err != nil {
		return err
	}
	if _, err := r.prov.Decommission(ctx, id); err != nil {
		return err
	}
	if err := r.meds.Delete(id); err != nil {
		return err
	}
	log.WithMedID(id).Info().Msg("medication deleted")
	r.bus.Publish(types.TopicMedicationDeleted, map[string]any{"med_id": id})
	return nil
}

// Take confirms the medication's active firing: the fired reminder when
// one is open, otherwise the next scheduled one within the early-confirm
// window. With neither, there is nothing to take against.
func (r *Registry) Take(ctx context.Context, medID string) (*types.Reminder, error) {
	if _, err := r.meds.Get(medID); err != nil {
		return nil, err
	}
	rows, err := r.reminders.ListByMed(medID)
	if err != nil {
		return nil, err
	}

	var open, upcoming *types.Reminder
	for _, row := range rows {
		switch row.State {
		case types.ReminderStateFired, types.ReminderStateMissed:
			if open == nil || row.FireAt.Before(open.FireAt) {
				open = row
			}
		case types.ReminderStateScheduled:
			if upcoming == nil || row.FireAt.Before(upcoming.FireAt) {
				upcoming = row
			}
		}
	}
	candidate := open
	if candidate == nil {
		candidate = upcoming
	}
	if candidate == nil {
		return nil, fmt.Errorf("no open dose for medication %s: %w", medID, storage.ErrConflict)
	}
	return r.prov.Confirm(ctx, candidate.ID)
}

// ExtractFromPhoto sends a prescription image to the external vision
// service and persists the result as a draft medication. Null and
// missing fields are flagged for review; when the extractor fails the
// draft is created anyway with every field flagged, so the user can
// complete it manually. A draft always provisions reminders, falling
// back to the default schedule when parsing fails.
func (r *Registry) ExtractFromPhoto(ctx context.Context, image io.Reader, filename string) (*types.Medication, []schedule.Diagnostic, error) {
	if r.extractor == nil {
		return nil, nil, fmt.Errorf("no extractor configured: %w", storage.ErrConflict)
	}
	result, err := r.extractor.Analyze(ctx, image, filename)
	if err != nil {
		log.Errorf("extraction failed, creating blank draft", err)
		result = &ExtractResult{}
	}

	name := deref(result.MedicationName)
	if name == "" {
		name = "Unreviewed medication " + r.clk.Now().UTC().Format(time.DateOnly)
	}
	med, diags, err := r.Create(ctx, Input{
		Name:         name,
		Dosage:       deref(result.Dosage),
		Schedule:     deref(result.Schedule),
		Prescriber:   deref(result.Prescriber),
		Instructions: deref(result.Instructions),
	})
	if err != nil {
		return nil, diags, err
	}

	med.NeedsReview = result.reviewFields()
	if err := r.meds.Update(med); err != nil {
		return nil, diags, err
	}
	log.WithMedID(med.ID).Info().
		Strs("needs_review", med.NeedsReview).
		Msg("draft medication extracted from photo")
	return med, diags, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func hasWarning(diags []schedule.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == schedule.SeverityWarning {
			return true
		}
	}
	return false
}
