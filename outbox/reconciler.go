package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/clock"
	"github.com/opd-ai/msgsync/event"
	"github.com/opd-ai/msgsync/store"
)

const (
	// MaxRetries is the attempt limit before an entry stays failed
	// until a manual retry.
	MaxRetries = 10
	// BackoffBase is the base delay of the exponential retry schedule:
	// an entry with retryCount n becomes eligible at
	// createdAt + BackoffBase * 2^n.
	BackoffBase = 10 * time.Second
	// GraceWindow is how long a synced entry is retained before
	// deletion, covering late duplicate confirmations from the push
	// channel.
	GraceWindow = 2 * time.Minute
	// DefaultSyncInterval is the periodic pass trigger.
	DefaultSyncInterval = 30 * time.Second
)

var (
	// ErrUnsupportedPayload marks payloads the client cannot transmit,
	// such as local media that has not been uploaded. These fail
	// terminally instead of entering the retry loop.
	ErrUnsupportedPayload = errors.New("unsupported payload kind")
	// ErrNotFailed indicates a manual retry of an entry that is not in
	// the failed state.
	ErrNotFailed = errors.New("entry is not in failed state")
)

// Sender transmits one message to the server. Implementations must
// tolerate retransmission: localID is the idempotency key.
type Sender interface {
	Send(ctx context.Context, localID, chatID string, kind store.MessageKind, content string) (serverID string, err error)
}

// Stats summarizes outbox occupancy for observability.
type Stats struct {
	Pending int
	Syncing int
	Synced  int
	Failed  int
}

// Config assembles the reconciler's collaborators.
type Config struct {
	Store      store.Store
	Sender     Sender
	Dispatcher *event.Dispatcher
	Clock      clock.Scheduler
	// Online reports current connectivity; a pass is skipped while
	// offline.
	Online func() bool
	// SyncInterval overrides the periodic trigger. Zero selects
	// DefaultSyncInterval.
	SyncInterval time.Duration
}

// Reconciler owns every outbox entry after creation: it alone moves
// entries between sync states and deletes them.
type Reconciler struct {
	st       store.Store
	sender   Sender
	bus      *event.Dispatcher
	clk      clock.Scheduler
	online   func() bool
	interval time.Duration

	mu         sync.Mutex
	inProgress bool
	running    bool
	timer      clock.Task
}

// NewReconciler creates a reconciler. Start must be called to begin
// periodic passes.
func NewReconciler(cfg Config) *Reconciler {
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	online := cfg.Online
	if online == nil {
		online = func() bool { return true }
	}
	return &Reconciler{
		st:       cfg.Store,
		sender:   cfg.Sender,
		bus:      cfg.Dispatcher,
		clk:      cfg.Clock,
		online:   online,
		interval: interval,
	}
}

// Start begins the periodic pass timer. Calling Start on a running
// reconciler is a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.timer = r.clk.AfterFunc(r.interval, r.tick)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": r.interval,
	}).Info("Outbox reconciler started")
}

// Stop cancels the periodic timer. A pass already running finishes.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
}

// tick runs a pass and reschedules itself while the reconciler runs.
func (r *Reconciler) tick() {
	r.SyncNow()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.timer = r.clk.AfterFunc(r.interval, r.tick)
	}
}

// Enqueue records a new outbox entry in state local-only and returns
// it. This is the only way entries enter the outbox.
func (r *Reconciler) Enqueue(chatID string, kind store.MessageKind, content, localMediaRef string) (*store.OutboxEntry, error) {
	entry := &store.OutboxEntry{
		LocalID:       uuid.NewString(),
		ChatID:        chatID,
		Kind:          kind,
		Content:       content,
		LocalMediaRef: localMediaRef,
		State:         store.StateLocalOnly,
		CreatedAt:     r.clk.Now(),
	}

	if err := r.st.UpsertOutboxEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to persist outbox entry: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"local_id": entry.LocalID,
		"chat_id":  chatID,
		"kind":     kind,
	}).Info("Outbox entry created")

	return entry, nil
}

// SyncNow runs one reconciliation pass. A call while a pass is in
// progress is a no-op.
func (r *Reconciler) SyncNow() {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "SyncNow",
		}).Debug("Sync pass already in progress, skipping")
		return
	}
	r.inProgress = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	r.runPass()
}

// runPass drains the outbox once without cross-entry ordering
// guarantees beyond creation order.
func (r *Reconciler) runPass() {
	if !r.online() {
		logrus.WithFields(logrus.Fields{
			"function": "runPass",
		}).Debug("Offline, skipping sync pass")
		return
	}

	entries, err := r.st.ListOutboxEntries("")
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runPass",
			"error":    err,
		}).Error("Failed to list outbox entries")
		return
	}

	sent, failed := 0, 0
	for _, entry := range entries {
		switch entry.State {
		case store.StateSyncing:
			// Single-flight per entry: a transmission is already
			// running from a previous pass.
			continue
		case store.StateSynced:
			r.purgeAfterGrace(entry)
			continue
		case store.StateFailed:
			if !r.retryEligible(entry) {
				continue
			}
		}

		if r.transmit(entry) {
			sent++
		} else {
			failed++
		}
	}

	if sent > 0 || failed > 0 {
		r.bus.Enqueue(event.New(uuid.NewString(), r.clk.Now(), event.SyncCompleted{
			Sent:   sent,
			Failed: failed,
		}))
	}
}

// retryEligible applies the capped exponential backoff schedule.
func (r *Reconciler) retryEligible(entry *store.OutboxEntry) bool {
	if entry.RetryCount >= MaxRetries {
		return false
	}
	delay := BackoffBase * (1 << uint(entry.RetryCount))
	return !r.clk.Now().Before(entry.CreatedAt.Add(delay))
}

// transmit sends one entry and records the outcome. Reports success.
func (r *Reconciler) transmit(entry *store.OutboxEntry) bool {
	entry.State = store.StateSyncing
	if err := r.st.UpsertOutboxEntry(entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transmit",
			"local_id": entry.LocalID,
			"error":    err,
		}).Error("Failed to mark entry syncing")
		return false
	}

	if entry.Kind != store.KindText {
		// Local media is not uploadable yet; fail terminally rather
		// than spinning through the retry schedule.
		r.recordFailure(entry, ErrUnsupportedPayload.Error(), MaxRetries)
		return false
	}

	serverID, err := r.sender.Send(context.Background(), entry.LocalID, entry.ChatID, entry.Kind, entry.Content)
	if err != nil {
		r.recordFailure(entry, err.Error(), entry.RetryCount+1)
		return false
	}

	entry.State = store.StateSynced
	entry.ServerID = serverID
	entry.LastError = ""
	entry.ConfirmedAt = r.clk.Now()
	if err := r.st.UpsertOutboxEntry(entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transmit",
			"local_id": entry.LocalID,
			"error":    err,
		}).Error("Failed to record confirmation")
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":  "transmit",
		"local_id":  entry.LocalID,
		"server_id": serverID,
	}).Info("Outbox entry confirmed")

	r.bus.Enqueue(event.New(event.ConfirmedEventID(entry.LocalID), r.clk.Now(), event.MessageSentConfirmed{
		LocalID:  entry.LocalID,
		ServerID: serverID,
		ChatID:   entry.ChatID,
	}))
	return true
}

// recordFailure moves an entry to failed with the given retry count.
func (r *Reconciler) recordFailure(entry *store.OutboxEntry, message string, retryCount int) {
	entry.State = store.StateFailed
	entry.LastError = message
	entry.RetryCount = retryCount
	if err := r.st.UpsertOutboxEntry(entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recordFailure",
			"local_id": entry.LocalID,
			"error":    err,
		}).Error("Failed to record entry failure")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "recordFailure",
		"local_id":    entry.LocalID,
		"retry_count": retryCount,
		"last_error":  message,
	}).Warn("Outbox entry transmission failed")
}

// purgeAfterGrace deletes a confirmed entry once the grace window has
// elapsed.
func (r *Reconciler) purgeAfterGrace(entry *store.OutboxEntry) {
	if entry.ConfirmedAt.IsZero() || r.clk.Since(entry.ConfirmedAt) < GraceWindow {
		return
	}
	if err := r.st.DeleteOutboxEntry(entry.LocalID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "purgeAfterGrace",
			"local_id": entry.LocalID,
			"error":    err,
		}).Error("Failed to purge confirmed entry")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "purgeAfterGrace",
		"local_id": entry.LocalID,
	}).Debug("Confirmed entry purged after grace window")
}

// Retry manually re-enters a failed entry into the queue. The retry
// count resets to zero: a manual retry expresses fresh user intent, so
// it gets the full automatic schedule again.
func (r *Reconciler) Retry(localID string) error {
	entry, err := r.st.GetOutboxEntry(localID)
	if err != nil {
		return err
	}
	if entry.State != store.StateFailed {
		return ErrNotFailed
	}

	entry.State = store.StateLocalOnly
	entry.RetryCount = 0
	entry.LastError = ""
	entry.CreatedAt = r.clk.Now()
	if err := r.st.UpsertOutboxEntry(entry); err != nil {
		return fmt.Errorf("failed to reset entry for retry: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Retry",
		"local_id": localID,
	}).Info("Manual retry requested")

	r.SyncNow()
	return nil
}

// Cancel removes an entry regardless of state. This is the only way an
// unconfirmed entry leaves the outbox.
func (r *Reconciler) Cancel(localID string) error {
	if _, err := r.st.GetOutboxEntry(localID); err != nil {
		return err
	}
	return r.st.DeleteOutboxEntry(localID)
}

// Stats counts entries per state using the state index.
func (r *Reconciler) Stats() (Stats, error) {
	var stats Stats
	counts := []struct {
		state store.SyncState
		dst   *int
	}{
		{store.StateLocalOnly, &stats.Pending},
		{store.StateSyncing, &stats.Syncing},
		{store.StateSynced, &stats.Synced},
		{store.StateFailed, &stats.Failed},
	}
	for _, c := range counts {
		entries, err := r.st.ListOutboxByState(c.state)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = len(entries)
	}
	return stats, nil
}
