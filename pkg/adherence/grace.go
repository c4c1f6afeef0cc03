package adherence

import (
	"container/heap"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/log"
)

// deadline is one armed grace expiry
type deadline struct {
	at         time.Time
	reminderID string
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)         { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// graceWorker is the single dedicated task that expires grace windows. It
// sleeps until the earliest armed deadline and wakes early when a deadline
// is armed or cancelled. The heap is a derived cache: the reminder store
// is the durable truth, and the worker is rebuilt from it at startup.
type graceWorker struct {
	clk    clock.Clock
	expire func(reminderID string)

	mu        sync.Mutex
	heap      deadlineHeap
	cancelled map[string]bool

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newGraceWorker(clk clock.Clock, expire func(reminderID string)) *graceWorker {
	return &graceWorker{
		clk:       clk,
		expire:    expire,
		cancelled: make(map[string]bool),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the worker loop
func (w *graceWorker) Start() {
	go w.run()
}

// Stop stops the worker
func (w *graceWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Arm schedules an expiry for the reminder at the given time
func (w *graceWorker) Arm(reminderID string, at time.Time) {
	w.mu.Lock()
	delete(w.cancelled, reminderID)
	heap.Push(&w.heap, deadline{at: at, reminderID: reminderID})
	w.mu.Unlock()
	w.wake()
}

// Cancel withdraws a previously armed expiry. Cancellation is lazy: the
// entry stays in the heap and is skipped when popped.
func (w *graceWorker) Cancel(reminderID string) {
	w.mu.Lock()
	w.cancelled[reminderID] = true
	w.mu.Unlock()
	w.wake()
}

func (w *graceWorker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *graceWorker) run() {
	defer close(w.doneCh)
	logger := log.WithComponent("grace")

	for {
		expired, next := w.collect()
		for _, id := range expired {
			logger.Debug().Str("reminder_id", id).Msg("grace window elapsed")
			w.expire(id)
		}

		var timerC <-chan time.Time
		var timer clock.Timer
		if !next.IsZero() {
			d := next.Sub(w.clk.Now())
			if d < 0 {
				d = 0
			}
			timer = w.clk.NewTimer(d)
			timerC = timer.C()
		}

		select {
		case <-timerC:
		case <-w.wakeCh:
			if timer != nil {
				timer.Stop()
			}
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// collect pops every due deadline and returns the due reminder IDs plus
// the next pending deadline (zero when the heap is empty).
func (w *graceWorker) collect() (expired []string, next time.Time) {
	now := w.clk.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for w.heap.Len() > 0 {
		head := w.heap[0]
		if w.cancelled[head.reminderID] {
			heap.Pop(&w.heap)
			delete(w.cancelled, head.reminderID)
			continue
		}
		if head.at.After(now) {
			return expired, head.at
		}
		heap.Pop(&w.heap)
		expired = append(expired, head.reminderID)
	}
	return expired, time.Time{}
}
