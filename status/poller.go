// Package status implements the polling fallback for delivery-status
// updates. The push transport delivers status changes in real time but
// does not guarantee delivery; the poller periodically fetches deltas
// newer than a monotonically advancing cursor and replays them as
// status-changed events with a poll origin. Deduplication against the
// push channel is the event dispatcher's job, keyed by the shared
// deterministic event id.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/clock"
	"github.com/opd-ai/msgsync/event"
	"github.com/opd-ai/msgsync/store"
)

// DefaultInterval is the default polling cadence.
const DefaultInterval = 5 * time.Second

// Update is one status delta returned by the server.
type Update struct {
	MessageID string
	Status    store.DeliveryStatus
	At        time.Time
}

// Fetcher retrieves status deltas strictly newer than since.
type Fetcher interface {
	StatusUpdates(ctx context.Context, chatID string, since time.Time) ([]Update, error)
}

// Poller drives the fallback reconciliation loop for one chat at a
// time.
type Poller struct {
	fetch Fetcher
	bus   *event.Dispatcher
	clk   clock.Scheduler

	mu       sync.Mutex
	polling  bool
	task     clock.Task
	chatID   string
	lastSync time.Time
	interval time.Duration
}

// NewPoller creates a poller over the given fetcher.
func NewPoller(fetch Fetcher, bus *event.Dispatcher, clk clock.Scheduler) *Poller {
	return &Poller{
		fetch: fetch,
		bus:   bus,
		clk:   clk,
	}
}

// StartPolling begins periodic reconciliation for chatID. Calling it
// while already polling is a no-op.
func (p *Poller) StartPolling(chatID string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.polling {
		logrus.WithFields(logrus.Fields{
			"function": "StartPolling",
			"chat_id":  p.chatID,
		}).Debug("Already polling, ignoring start")
		return
	}

	p.polling = true
	p.chatID = chatID
	p.interval = interval
	p.lastSync = p.clk.Now()
	p.task = p.clk.AfterFunc(interval, p.tick)

	logrus.WithFields(logrus.Fields{
		"function": "StartPolling",
		"chat_id":  chatID,
		"interval": interval,
	}).Info("Status polling started")
}

// StopPolling cancels the poll timer.
func (p *Poller) StopPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.polling {
		return
	}
	p.polling = false
	if p.task != nil {
		p.task.Cancel()
		p.task = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "StopPolling",
		"chat_id":  p.chatID,
	}).Info("Status polling stopped")
}

func (p *Poller) tick() {
	p.SyncNow()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.polling {
		p.task = p.clk.AfterFunc(p.interval, p.tick)
	}
}

// SyncNow fetches and applies one batch of status deltas on demand,
// for example right after a reconnect. The cursor advances to now even
// when the response is empty, so a transient empty response cannot
// stall it.
func (p *Poller) SyncNow() {
	p.mu.Lock()
	chatID := p.chatID
	since := p.lastSync
	p.mu.Unlock()

	if chatID == "" {
		return
	}

	now := p.clk.Now()
	updates, err := p.fetch.StatusUpdates(context.Background(), chatID, since)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SyncNow",
			"chat_id":  chatID,
			"error":    err,
		}).Warn("Status poll failed")
		return
	}

	p.mu.Lock()
	p.lastSync = now
	p.mu.Unlock()

	for _, update := range updates {
		p.bus.Enqueue(event.New(
			event.StatusEventID(update.MessageID, update.Status),
			now,
			event.StatusChanged{
				MessageID: update.MessageID,
				ChatID:    chatID,
				NewStatus: update.Status,
				Origin:    event.OriginPoll,
			},
		))
	}

	if len(updates) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SyncNow",
			"chat_id":  chatID,
			"updates":  len(updates),
		}).Debug("Applied status deltas from poll")
	}
}
