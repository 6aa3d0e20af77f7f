package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/clock"
)

const (
	// DefaultStaleAfter is how old an event may be at dequeue time
	// before it is dropped without invoking handlers.
	DefaultStaleAfter = 30 * time.Second
	// DefaultDedupCapacity bounds the recently-processed id set. Oldest
	// ids are evicted first, so deduplication is best-effort over a
	// recent window rather than exactly-once forever.
	DefaultDedupCapacity = 512
)

// Handler processes one event. A returned error is logged and isolated;
// it does not affect other handlers or the queue.
type Handler func(ev Event) error

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	QueueDepth        int
	TotalProcessed    uint64
	DuplicatesSkipped uint64
	StaleDropped      uint64
	Processing        bool
	DedupSize         int
}

// Dispatcher is the single sequential queue all domain events pass
// through. Draining is strictly one event at a time: the next event is
// not dequeued until every handler of the previous one has finished.
type Dispatcher struct {
	mu         sync.Mutex
	tp         clock.TimeProvider
	queue      []Event
	handlers   map[Kind][]Handler
	seen       map[string]struct{}
	seenOrder  []string
	dedupCap   int
	staleAfter time.Duration
	processing bool

	totalProcessed    uint64
	duplicatesSkipped uint64
	staleDropped      uint64
}

// NewDispatcher creates a dispatcher with the default dedup window and
// staleness threshold.
func NewDispatcher(tp clock.TimeProvider) *Dispatcher {
	return NewDispatcherWithLimits(tp, DefaultDedupCapacity, DefaultStaleAfter)
}

// NewDispatcherWithLimits creates a dispatcher with a custom dedup
// window capacity and staleness threshold.
func NewDispatcherWithLimits(tp clock.TimeProvider, dedupCap int, staleAfter time.Duration) *Dispatcher {
	if dedupCap <= 0 {
		dedupCap = DefaultDedupCapacity
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Dispatcher{
		tp:         tp,
		handlers:   make(map[Kind][]Handler),
		seen:       make(map[string]struct{}),
		dedupCap:   dedupCap,
		staleAfter: staleAfter,
	}
}

// RegisterHandler adds a handler for a kind. Handlers run in
// registration order.
func (d *Dispatcher) RegisterHandler(kind Kind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], handler)
}

// UnregisterHandlers removes every handler for a kind.
func (d *Dispatcher) UnregisterHandlers(kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, kind)
}

// Enqueue accepts an event for processing. Duplicates within the dedup
// window are counted and discarded. If no drain is running the calling
// goroutine drains the queue before returning, which keeps processing
// strictly sequential without a dedicated worker.
func (d *Dispatcher) Enqueue(ev Event) {
	d.mu.Lock()
	if _, dup := d.seen[ev.ID]; dup {
		d.duplicatesSkipped++
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Enqueue",
			"event_id": ev.ID,
			"kind":     ev.Kind().String(),
		}).Debug("Duplicate event discarded")
		return
	}
	d.remember(ev.ID)
	d.queue = append(d.queue, ev)

	if d.processing {
		d.mu.Unlock()
		return
	}
	d.processing = true
	d.mu.Unlock()

	d.drain()
}

// remember records an id in the bounded dedup set. Caller holds d.mu.
func (d *Dispatcher) remember(id string) {
	d.seen[id] = struct{}{}
	d.seenOrder = append(d.seenOrder, id)
	for len(d.seenOrder) > d.dedupCap {
		oldest := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, oldest)
	}
}

// drain processes queued events one at a time until the queue empties.
func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.processing = false
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]

		if d.tp.Since(ev.OccurredAt) > d.staleAfter {
			d.staleDropped++
			d.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":    "drain",
				"event_id":    ev.ID,
				"kind":        ev.Kind().String(),
				"occurred_at": ev.OccurredAt,
			}).Warn("Stale event dropped")
			continue
		}

		handlers := append([]Handler(nil), d.handlers[ev.Kind()]...)
		d.totalProcessed++
		d.mu.Unlock()

		for _, handler := range handlers {
			d.invoke(handler, ev)
		}
	}
}

// invoke runs a single handler with panic and error isolation.
func (d *Dispatcher) invoke(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "invoke",
				"event_id": ev.ID,
				"kind":     ev.Kind().String(),
				"panic":    fmt.Sprintf("%v", r),
			}).Error("Event handler panicked")
		}
	}()

	if err := handler(ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "invoke",
			"event_id": ev.ID,
			"kind":     ev.Kind().String(),
			"error":    err,
		}).Error("Event handler failed")
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		QueueDepth:        len(d.queue),
		TotalProcessed:    d.totalProcessed,
		DuplicatesSkipped: d.duplicatesSkipped,
		StaleDropped:      d.staleDropped,
		Processing:        d.processing,
		DedupSize:         len(d.seen),
	}
}
