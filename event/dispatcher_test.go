package event

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/msgsync/clock"
	"github.com/opd-ai/msgsync/store"
)

func newTestDispatcher() (*Dispatcher, *clock.Fake) {
	fake := clock.NewFake(time.Unix(1000000, 0))
	return NewDispatcher(fake), fake
}

func statusEvent(id string, at time.Time) Event {
	return New(id, at, StatusChanged{
		MessageID: "m1",
		ChatID:    "chat-1",
		NewStatus: store.StatusDelivered,
		Origin:    OriginPush,
	})
}

func TestDispatcher_FanOutInRegistrationOrder(t *testing.T) {
	d, fake := newTestDispatcher()

	var order []string
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		order = append(order, "first")
		return nil
	})
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		order = append(order, "second")
		return nil
	})

	d.Enqueue(statusEvent("ev-1", fake.Now()))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected handlers in registration order [first second], got %v", order)
	}
}

func TestDispatcher_DuplicateIDProcessedOnce(t *testing.T) {
	d, fake := newTestDispatcher()

	invocations := 0
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		invocations++
		return nil
	})

	// Same status change delivered by push first and poll second.
	push := statusEvent("status:m1:delivered", fake.Now())
	poll := New("status:m1:delivered", fake.Now(), StatusChanged{
		MessageID: "m1",
		ChatID:    "chat-1",
		NewStatus: store.StatusDelivered,
		Origin:    OriginPoll,
	})

	d.Enqueue(push)
	d.Enqueue(poll)

	if invocations != 1 {
		t.Errorf("Expected exactly one handler invocation, got %d", invocations)
	}
	stats := d.Stats()
	if stats.DuplicatesSkipped != 1 {
		t.Errorf("Expected duplicate counter to increment by exactly one, got %d", stats.DuplicatesSkipped)
	}
	if stats.TotalProcessed != 1 {
		t.Errorf("Expected one processed event, got %d", stats.TotalProcessed)
	}
}

func TestDispatcher_StaleEventDropped(t *testing.T) {
	d, fake := newTestDispatcher()

	invoked := false
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		invoked = true
		return nil
	})

	stale := statusEvent("ev-old", fake.Now().Add(-31*time.Second))
	d.Enqueue(stale)

	if invoked {
		t.Error("Handler should not run for a stale event")
	}
	if got := d.Stats().StaleDropped; got != 1 {
		t.Errorf("Expected stale counter 1, got %d", got)
	}
}

func TestDispatcher_HandlerFailureIsolated(t *testing.T) {
	d, fake := newTestDispatcher()

	var survived []string
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		return errors.New("handler exploded")
	})
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		panic("handler panicked")
	})
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		survived = append(survived, ev.ID)
		return nil
	})

	d.Enqueue(statusEvent("ev-1", fake.Now()))
	d.Enqueue(statusEvent("ev-2", fake.Now()))

	if len(survived) != 2 {
		t.Errorf("Expected surviving handler to see both events, got %v", survived)
	}
}

func TestDispatcher_SequentialDraining(t *testing.T) {
	d, fake := newTestDispatcher()

	var concurrent, maxConcurrent int32
	var processed []string
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		cur := atomic.AddInt32(&concurrent, 1)
		if cur > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, cur)
		}
		processed = append(processed, ev.ID)
		// Re-entrant enqueue from inside a handler must not recurse
		// into a nested drain.
		if ev.ID == "ev-1" {
			d.Enqueue(statusEvent("ev-nested", fake.Now()))
		}
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	d.Enqueue(statusEvent("ev-1", fake.Now()))
	d.Enqueue(statusEvent("ev-2", fake.Now()))

	if maxConcurrent != 1 {
		t.Errorf("Expected at most one event in flight, saw %d", maxConcurrent)
	}
	want := []string{"ev-1", "ev-nested", "ev-2"}
	if len(processed) != 3 {
		t.Fatalf("Expected 3 processed events, got %v", processed)
	}
	for i, id := range want {
		if processed[i] != id {
			t.Errorf("Processing order[%d] = %s, want %s", i, processed[i], id)
		}
	}
}

func TestDispatcher_DedupWindowEvictsOldest(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000000, 0))
	d := NewDispatcherWithLimits(fake, 2, DefaultStaleAfter)

	invocations := 0
	d.RegisterHandler(KindStatusChanged, func(ev Event) error {
		invocations++
		return nil
	})

	d.Enqueue(statusEvent("ev-1", fake.Now()))
	d.Enqueue(statusEvent("ev-2", fake.Now()))
	d.Enqueue(statusEvent("ev-3", fake.Now())) // evicts ev-1
	d.Enqueue(statusEvent("ev-1", fake.Now())) // replays after eviction

	if invocations != 4 {
		t.Errorf("Expected replay after eviction to process, got %d invocations", invocations)
	}
	if got := d.Stats().DedupSize; got != 2 {
		t.Errorf("Expected dedup set bounded at 2, got %d", got)
	}
}

func TestDispatcher_UnregisterHandlers(t *testing.T) {
	d, fake := newTestDispatcher()

	invoked := false
	d.RegisterHandler(KindPresenceChanged, func(ev Event) error {
		invoked = true
		return nil
	})
	d.UnregisterHandlers(KindPresenceChanged)

	d.Enqueue(New("ev-1", fake.Now(), PresenceChanged{UserID: "alice", Online: true}))

	if invoked {
		t.Error("Unregistered handler should not run")
	}
}

func TestDispatcher_StatsSnapshot(t *testing.T) {
	d, fake := newTestDispatcher()

	d.Enqueue(New("ev-1", fake.Now(), SyncCompleted{Sent: 1}))

	stats := d.Stats()
	if stats.Processing {
		t.Error("Dispatcher should be idle after drain")
	}
	if stats.QueueDepth != 0 {
		t.Errorf("Expected empty queue, got depth %d", stats.QueueDepth)
	}
	if stats.TotalProcessed != 1 {
		t.Errorf("Expected 1 processed, got %d", stats.TotalProcessed)
	}
}

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		KindMessageReceived:      "message-received",
		KindMessageSentConfirmed: "message-sent-confirmed",
		KindStatusChanged:        "status-changed",
		KindSyncCompleted:        "sync-completed",
		KindPresenceChanged:      "presence-changed",
		KindTypingChanged:        "typing-changed",
		Kind(99):                 "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
