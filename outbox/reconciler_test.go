package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/msgsync/clock"
	"github.com/opd-ai/msgsync/event"
	"github.com/opd-ai/msgsync/store"
)

type sendCall struct {
	localID string
	chatID  string
	content string
}

// scriptedSender fails the first failRemaining calls, then succeeds
// with sequential server ids.
type scriptedSender struct {
	calls         []sendCall
	failRemaining int
	nextServerID  int
	onSend        func()
}

func (s *scriptedSender) Send(_ context.Context, localID, chatID string, _ store.MessageKind, content string) (string, error) {
	s.calls = append(s.calls, sendCall{localID: localID, chatID: chatID, content: content})
	if s.onSend != nil {
		s.onSend()
	}
	if s.failRemaining > 0 {
		s.failRemaining--
		return "", errors.New("network unreachable")
	}
	s.nextServerID++
	return fmt.Sprintf("srv-%d", s.nextServerID), nil
}

type fixture struct {
	st     *store.MemoryStore
	fake   *clock.Fake
	bus    *event.Dispatcher
	sender *scriptedSender
	online bool
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:     store.NewMemoryStore(),
		fake:   clock.NewFake(time.Unix(1000000, 0)),
		sender: &scriptedSender{},
		online: true,
	}
	f.bus = event.NewDispatcher(f.fake)
	f.rec = NewReconciler(Config{
		Store:      f.st,
		Sender:     f.sender,
		Dispatcher: f.bus,
		Clock:      f.fake,
		Online:     func() bool { return f.online },
	})
	return f
}

func (f *fixture) entry(t *testing.T, localID string) *store.OutboxEntry {
	t.Helper()
	entry, err := f.st.GetOutboxEntry(localID)
	require.NoError(t, err)
	return entry
}

func TestReconciler_OfflineSendStaysLocal(t *testing.T) {
	f := newFixture(t)
	f.online = false

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "written offline", "")
	require.NoError(t, err)
	require.Equal(t, store.StateLocalOnly, entry.State)

	f.rec.SyncNow()

	require.Empty(t, f.sender.calls, "no network calls while offline")
	require.Equal(t, store.StateLocalOnly, f.entry(t, entry.LocalID).State)
}

func TestReconciler_SuccessfulDelivery(t *testing.T) {
	f := newFixture(t)

	var confirmed []event.MessageSentConfirmed
	f.bus.RegisterHandler(event.KindMessageSentConfirmed, func(ev event.Event) error {
		confirmed = append(confirmed, ev.Payload.(event.MessageSentConfirmed))
		return nil
	})

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "hello", "")
	require.NoError(t, err)

	f.rec.SyncNow()

	got := f.entry(t, entry.LocalID)
	require.Equal(t, store.StateSynced, got.State)
	require.NotEmpty(t, got.ServerID)
	require.False(t, got.ConfirmedAt.IsZero())

	require.Len(t, confirmed, 1)
	require.Equal(t, entry.LocalID, confirmed[0].LocalID)
	require.Equal(t, got.ServerID, confirmed[0].ServerID)

	// The local id rides along as the idempotency key.
	require.Equal(t, entry.LocalID, f.sender.calls[0].localID)
}

func TestReconciler_GraceWindowPurge(t *testing.T) {
	f := newFixture(t)

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "hello", "")
	require.NoError(t, err)
	f.rec.SyncNow()
	require.Equal(t, store.StateSynced, f.entry(t, entry.LocalID).State)

	// Still present inside the grace window.
	f.fake.Advance(GraceWindow - time.Second)
	f.rec.SyncNow()
	all, err := f.st.ListOutboxEntries("")
	require.NoError(t, err)
	require.Len(t, all, 1)

	// Absent after the window elapses.
	f.fake.Advance(2 * time.Second)
	f.rec.SyncNow()
	all, err = f.st.ListOutboxEntries("")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestReconciler_FailTwiceThenSucceed(t *testing.T) {
	f := newFixture(t)
	f.sender.failRemaining = 2

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "flaky", "")
	require.NoError(t, err)

	f.rec.SyncNow()
	got := f.entry(t, entry.LocalID)
	require.Equal(t, store.StateFailed, got.State)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, got.LastError, "network unreachable")

	// First retry becomes eligible at createdAt + 10s*2^1.
	f.fake.Advance(20 * time.Second)
	f.rec.SyncNow()
	got = f.entry(t, entry.LocalID)
	require.Equal(t, 2, got.RetryCount)

	// Second retry at createdAt + 10s*2^2.
	f.fake.Advance(20 * time.Second)
	f.rec.SyncNow()
	got = f.entry(t, entry.LocalID)
	require.Equal(t, store.StateSynced, got.State)
	require.Equal(t, 2, got.RetryCount)
	require.Len(t, f.sender.calls, 3)
}

func TestReconciler_NoAttemptBeforeBackoffElapses(t *testing.T) {
	f := newFixture(t)
	f.sender.failRemaining = 1

	_, err := f.rec.Enqueue("chat-1", store.KindText, "flaky", "")
	require.NoError(t, err)

	f.rec.SyncNow()
	require.Len(t, f.sender.calls, 1)

	// One second short of createdAt + 20s: still ineligible.
	f.fake.Advance(19 * time.Second)
	f.rec.SyncNow()
	require.Len(t, f.sender.calls, 1)

	f.fake.Advance(time.Second)
	f.rec.SyncNow()
	require.Len(t, f.sender.calls, 2)
}

func TestReconciler_RetriesExhaustAtLimit(t *testing.T) {
	f := newFixture(t)
	f.sender.failRemaining = MaxRetries + 5

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "doomed", "")
	require.NoError(t, err)

	// Drive passes far past every backoff deadline.
	for i := 0; i < MaxRetries+5; i++ {
		f.rec.SyncNow()
		f.fake.Advance(BackoffBase * (1 << uint(MaxRetries)))
	}

	require.Len(t, f.sender.calls, MaxRetries, "no attempt after the limit without manual intervention")
	got := f.entry(t, entry.LocalID)
	require.Equal(t, store.StateFailed, got.State)
	require.Equal(t, MaxRetries, got.RetryCount)
}

func TestReconciler_UnsupportedPayloadFailsTerminally(t *testing.T) {
	f := newFixture(t)

	entry, err := f.rec.Enqueue("chat-1", store.KindMedia, "", "file:///tmp/photo.jpg")
	require.NoError(t, err)

	f.rec.SyncNow()

	got := f.entry(t, entry.LocalID)
	require.Equal(t, store.StateFailed, got.State)
	require.Equal(t, ErrUnsupportedPayload.Error(), got.LastError)
	require.Equal(t, MaxRetries, got.RetryCount, "unsupported payloads never enter the retry loop")
	require.Empty(t, f.sender.calls)

	// Later passes leave it alone.
	f.fake.Advance(time.Hour)
	f.rec.SyncNow()
	require.Empty(t, f.sender.calls)
}

func TestReconciler_SingleFlight(t *testing.T) {
	f := newFixture(t)

	// A re-entrant SyncNow from inside a transmission must perform
	// zero additional network calls.
	f.sender.onSend = func() { f.rec.SyncNow() }

	_, err := f.rec.Enqueue("chat-1", store.KindText, "one", "")
	require.NoError(t, err)

	f.rec.SyncNow()
	require.Len(t, f.sender.calls, 1)
}

func TestReconciler_SyncingEntriesSkipped(t *testing.T) {
	f := newFixture(t)

	entry := &store.OutboxEntry{
		LocalID:   "inflight",
		ChatID:    "chat-1",
		Kind:      store.KindText,
		Content:   "already sending",
		State:     store.StateSyncing,
		CreatedAt: f.fake.Now(),
	}
	require.NoError(t, f.st.UpsertOutboxEntry(entry))

	f.rec.SyncNow()
	require.Empty(t, f.sender.calls)
}

func TestReconciler_ManualRetryResetsCount(t *testing.T) {
	f := newFixture(t)
	f.sender.failRemaining = MaxRetries

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "stuck", "")
	require.NoError(t, err)

	for i := 0; i < MaxRetries; i++ {
		f.rec.SyncNow()
		f.fake.Advance(BackoffBase * (1 << uint(MaxRetries)))
	}
	require.Equal(t, MaxRetries, f.entry(t, entry.LocalID).RetryCount)

	require.NoError(t, f.rec.Retry(entry.LocalID))

	got := f.entry(t, entry.LocalID)
	require.Equal(t, store.StateSynced, got.State, "manual retry re-enters the queue and succeeds")
	require.Equal(t, 0, got.RetryCount)
}

func TestReconciler_ManualRetryRequiresFailedState(t *testing.T) {
	f := newFixture(t)

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "fresh", "")
	require.NoError(t, err)

	require.ErrorIs(t, f.rec.Retry(entry.LocalID), ErrNotFailed)
	require.ErrorIs(t, f.rec.Retry("missing"), store.ErrEntryNotFound)
}

func TestReconciler_Cancel(t *testing.T) {
	f := newFixture(t)
	f.online = false

	entry, err := f.rec.Enqueue("chat-1", store.KindText, "never mind", "")
	require.NoError(t, err)

	require.NoError(t, f.rec.Cancel(entry.LocalID))
	_, err = f.st.GetOutboxEntry(entry.LocalID)
	require.ErrorIs(t, err, store.ErrEntryNotFound)

	require.ErrorIs(t, f.rec.Cancel(entry.LocalID), store.ErrEntryNotFound)
}

func TestReconciler_PeriodicTimerDrivesPasses(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Enqueue("chat-1", store.KindText, "scheduled", "")
	require.NoError(t, err)

	f.rec.Start()
	defer f.rec.Stop()

	require.Empty(t, f.sender.calls)
	f.fake.Advance(DefaultSyncInterval)
	require.Len(t, f.sender.calls, 1)

	// The timer rearms for subsequent passes.
	f.sender.failRemaining = 0
	_, err = f.rec.Enqueue("chat-1", store.KindText, "next tick", "")
	require.NoError(t, err)
	f.fake.Advance(DefaultSyncInterval)
	require.Len(t, f.sender.calls, 2)
}

func TestReconciler_StopCancelsTimer(t *testing.T) {
	f := newFixture(t)

	f.rec.Start()
	f.rec.Stop()

	_, err := f.rec.Enqueue("chat-1", store.KindText, "after stop", "")
	require.NoError(t, err)

	f.fake.Advance(10 * DefaultSyncInterval)
	require.Empty(t, f.sender.calls)
	require.Zero(t, f.fake.Pending(), "no timer left behind after Stop")
}

func TestReconciler_SyncCompletedEventEmitted(t *testing.T) {
	f := newFixture(t)

	var completions []event.SyncCompleted
	f.bus.RegisterHandler(event.KindSyncCompleted, func(ev event.Event) error {
		completions = append(completions, ev.Payload.(event.SyncCompleted))
		return nil
	})

	_, err := f.rec.Enqueue("chat-1", store.KindText, "a", "")
	require.NoError(t, err)
	_, err = f.rec.Enqueue("chat-1", store.KindMedia, "", "ref")
	require.NoError(t, err)

	f.rec.SyncNow()

	require.Len(t, completions, 1)
	require.Equal(t, 1, completions[0].Sent)
	require.Equal(t, 1, completions[0].Failed)
}

func TestReconciler_Stats(t *testing.T) {
	f := newFixture(t)
	f.online = false

	_, err := f.rec.Enqueue("chat-1", store.KindText, "pending", "")
	require.NoError(t, err)

	f.online = true
	f.sender.failRemaining = 1
	_, err = f.rec.Enqueue("chat-1", store.KindText, "will fail", "")
	require.NoError(t, err)

	f.rec.SyncNow()

	stats, err := f.rec.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Synced)
	require.Equal(t, 1, stats.Failed)
	require.Zero(t, stats.Pending)
	require.Zero(t, stats.Syncing)
}
