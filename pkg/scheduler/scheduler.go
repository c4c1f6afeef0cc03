package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/metrics"
	"github.com/kiloguardian/kilo/pkg/schedule"
	"github.com/kiloguardian/kilo/pkg/storage"
	"github.com/kiloguardian/kilo/pkg/types"
)

// Firer receives claimed reminders. Satisfied by the adherence
// coordinator.
type Firer interface {
	Fire(ctx context.Context, reminder *types.Reminder)
}

// Config holds the scheduler's tunables
type Config struct {
	// PollInterval is the maximum sleep between claim cycles
	PollInterval time.Duration
	// BatchSize caps how many due reminders one cycle claims
	BatchSize int
	// QueueCapacity bounds the handoff queue to the coordinator; zero
	// means twice the batch size
	QueueCapacity int
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2 * c.BatchSize
	}
}

// Scheduler is the sole claimer of due reminders. One loop claims and
// advances recurrence chains; one worker drains the handoff queue into
// the firer, so a slow firing path back-pressures claiming instead of
// blocking the loop.
type Scheduler struct {
	store *storage.ReminderStore
	firer Firer
	clk   clock.Clock
	cfg   Config

	queue  chan *types.Reminder
	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start after the coordinator has
// recovered in-flight grace windows.
func New(store *storage.ReminderStore, firer Firer, clk clock.Clock, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		store:  store,
		firer:  firer,
		clk:    clk,
		cfg:    cfg,
		queue:  make(chan *types.Reminder, cfg.QueueCapacity),
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start launches the claim loop and the handoff worker
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.run()
	go s.drain()
}

// Stop shuts the scheduler down
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Kick wakes the claim loop early, e.g. after a new reminder was created
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Health reports whether the scheduler can reach its store
func (s *Scheduler) Health(ctx context.Context) error {
	_, _, err := s.store.NextScheduledAt()
	return err
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	logger := log.WithComponent("scheduler")
	logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("scheduler started")

	for {
		saturated := s.cycle()

		d := s.cfg.PollInterval
		if next, ok, err := s.store.NextScheduledAt(); err != nil {
			logger.Error().Err(err).Msg("failed to read next firing time")
		} else if ok {
			if until := next.Sub(s.clk.Now()); until < d {
				d = until
			}
		}
		if saturated {
			// Queue full: claiming is deferred, retry shortly
			d = time.Second
		}
		if d < 0 {
			d = 0
		}

		timer := s.clk.NewTimer(d)
		select {
		case <-timer.C():
		case <-s.kickCh:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			logger.Info().Msg("scheduler stopped")
			return
		}
	}
}

// cycle claims one batch of due reminders, enqueues them for firing and
// advances their recurrence chains. Reports whether claiming was deferred
// because the handoff queue is full.
func (s *Scheduler) cycle() (saturated bool) {
	free := cap(s.queue) - len(s.queue)
	if free == 0 {
		return true
	}
	limit := s.cfg.BatchSize
	if free < limit {
		limit = free
	}

	now := s.clk.Now().UTC()
	claimed, err := s.store.ClaimDue(now, limit)
	if err != nil {
		log.Errorf("failed to claim due reminders", err)
		return false
	}
	metrics.ClaimBatchSize.Observe(float64(len(claimed)))
	if len(claimed) == 0 {
		return false
	}

	for _, reminder := range claimed {
		s.queue <- reminder
	}
	for _, reminder := range claimed {
		s.advance(reminder, now)
	}
	return false
}

// advance inserts the next scheduled row of a recurring chain. Chains
// advance here for claimed firings and in the coordinator for implicit
// ones, never anywhere else. A claimed row that was snoozed is a
// re-presentation of an occurrence whose chain already advanced, so it
// inserts nothing.
func (s *Scheduler) advance(fired *types.Reminder, now time.Time) {
	if fired.Spec.Recurrence == "" || fired.Spec.Recurrence == types.RecurrenceNone || fired.SnoozeCount > 0 {
		return
	}
	next := schedule.NextAfter(fired.Spec, now)
	if next.IsZero() {
		return
	}
	reminder := &types.Reminder{
		MedID:       fired.MedID,
		HabitID:     fired.HabitID,
		Title:       fired.Title,
		Description: fired.Description,
		Spec:        fired.Spec,
		FireAt:      next,
		GraceWindow: fired.GraceWindow,
	}
	if err := s.store.Create(reminder); err != nil {
		log.Errorf("failed to advance recurrence chain", err)
		return
	}
	log.WithReminderID(fired.ID).Debug().
		Time("next_fire_at", next).
		Msg("recurrence chain advanced")
}

// drain hands claimed reminders to the firer in claim order
func (s *Scheduler) drain() {
	defer s.wg.Done()
	for {
		select {
		case reminder := <-s.queue:
			s.firer.Fire(context.Background(), reminder)
		case <-s.stopCh:
			return
		}
	}
}
