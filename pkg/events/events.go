package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/metrics"
	"github.com/kiloguardian/kilo/pkg/types"
)

// Handler processes one delivered event. Returning an error triggers the
// bus's retry cycle for that subscriber.
type Handler func(ctx context.Context, event types.Event) error

// Config holds bus tuning options
type Config struct {
	// QueueCapacity bounds each subscriber's queue
	QueueCapacity int
	// MaxAttempts is the total delivery attempts per event per subscriber
	MaxAttempts int
	// AttemptTimeout bounds a single handler invocation
	AttemptTimeout time.Duration
	// RetryInitialInterval is the first backoff delay; each retry
	// quadruples it (500ms -> 2s -> 8s)
	RetryInitialInterval time.Duration
	// Clock supplies occurred-at timestamps; nil means the real clock
	Clock clock.PassiveClock
}

func (c *Config) defaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
}

type subscriber struct {
	name    string
	topics  map[types.Topic]bool
	handler Handler
	queue   chan types.Event
}

func (s *subscriber) wants(topic types.Topic) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Bus is the in-process event fan-out. Publish never blocks the caller:
// each subscriber has an independent bounded queue drained by its own
// worker, and a full queue drops the oldest payload rather than the
// newest. Delivery is at least once per subscriber, in publish order per
// topic; failed deliveries are retried with exponential backoff and then
// written to the dead-letter log. Durable truth lives in the component
// stores, so the bus carries signals, not state.
type Bus struct {
	cfg        Config
	deadLetter *DeadLetterLog

	mu     sync.RWMutex
	subs   []*subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBus creates a bus writing failed deliveries to the given dead-letter
// log (which may be nil to discard them).
func NewBus(cfg Config, deadLetter *DeadLetterLog) *Bus {
	cfg.defaults()
	return &Bus{
		cfg:        cfg,
		deadLetter: deadLetter,
		stopCh:     make(chan struct{}),
	}
}

// Subscribe registers a handler for the given topics. An empty topic list
// subscribes to everything. Must be called before events of interest are
// published; subscriptions are not removable.
func (b *Bus) Subscribe(name string, topics []types.Topic, handler Handler) {
	topicSet := make(map[types.Topic]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	sub := &subscriber{
		name:    name,
		topics:  topicSet,
		handler: handler,
		queue:   make(chan types.Event, b.cfg.QueueCapacity),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
}

// Publish builds the event envelope and enqueues it for every interested
// subscriber. Never blocks: a full subscriber queue sheds its oldest
// payload (freshness wins over completeness for coaching signals).
func (b *Bus) Publish(topic types.Topic, data map[string]any) types.Event {
	event := types.Event{
		Topic:      topic,
		EventID:    uuid.New().String(),
		OccurredAt: b.cfg.Clock.Now().UTC(),
		Data:       data,
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(topic)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			// Queue full: shed the oldest payload and try once more
			select {
			case <-sub.queue:
				metrics.EventsDroppedTotal.WithLabelValues(sub.name).Inc()
			default:
			}
			select {
			case sub.queue <- event:
			default:
				metrics.EventsDroppedTotal.WithLabelValues(sub.name).Inc()
			}
		}
	}
	return event
}

// Stop shuts down all subscriber workers after their queues drain
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// drain delivers queued events to one subscriber in FIFO order
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	logger := log.WithComponent("events")

	for {
		select {
		case event := <-sub.queue:
			b.deliver(sub, event)
		case <-b.stopCh:
			// Drain what is already queued, then exit
			for {
				select {
				case event := <-sub.queue:
					b.deliver(sub, event)
				default:
					logger.Debug().Str("subscriber", sub.name).Msg("subscriber worker stopped")
					return
				}
			}
		}
	}
}

// deliver invokes the handler with retries; after the final failure the
// payload goes to the dead-letter log and the caller is unaffected.
func (b *Bus) deliver(sub *subscriber, event types.Event) {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AttemptTimeout)
		defer cancel()
		return sub.handler(ctx, event)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInitialInterval
	bo.Multiplier = 4
	bo.RandomizationFactor = 0
	bo.MaxInterval = 8 * time.Second

	err := backoff.Retry(attempt, backoff.WithMaxRetries(bo, uint64(b.cfg.MaxAttempts-1)))
	if err != nil {
		metrics.EventsDeadLetteredTotal.WithLabelValues(sub.name, string(event.Topic)).Inc()
		log.WithComponent("events").Error().
			Err(err).
			Str("subscriber", sub.name).
			Str("topic", string(event.Topic)).
			Str("event_id", event.EventID).
			Msg("delivery failed after retries, dead-lettering")
		if b.deadLetter != nil {
			if dlErr := b.deadLetter.Write(sub.name, event, err); dlErr != nil {
				log.Errorf(fmt.Sprintf("failed to write dead letter for %s", sub.name), dlErr)
			}
		}
		return
	}
	metrics.EventsDeliveredTotal.WithLabelValues(sub.name).Inc()
}
