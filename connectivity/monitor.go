// Package connectivity tracks whether the server is reachable.
//
// Passive platform online/offline signals are combined with an active
// periodic probe, because a "connected" network can still lack a route
// to the server. Subscribers are notified only on actual state
// transitions, never on every check.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/clock"
)

const (
	// DefaultProbeInterval is how often the active probe runs.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout bounds a single probe attempt.
	DefaultProbeTimeout = 5 * time.Second
)

// Prober performs one lightweight reachability check. A nil error
// means the server is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Callback receives the new state on a transition.
type Callback func(online bool)

// Monitor combines passive signals and active probing into a single
// debounced online/offline state.
type Monitor struct {
	prober   Prober
	clk      clock.Scheduler
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	online    bool
	running   bool
	task      clock.Task
	callbacks []Callback
}

// NewMonitor creates a monitor. The initial state is offline until a
// signal or probe says otherwise.
func NewMonitor(prober Prober, clk clock.Scheduler) *Monitor {
	return &Monitor{
		prober:   prober,
		clk:      clk,
		interval: DefaultProbeInterval,
		timeout:  DefaultProbeTimeout,
	}
}

// Subscribe registers a transition callback. Callbacks run in
// registration order on the goroutine that observed the transition.
func (m *Monitor) Subscribe(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// IsOnline returns the current debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start runs an immediate probe and begins the periodic probe loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.probeOnce()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.task = m.clk.AfterFunc(m.interval, m.tick)
	}
}

// Stop cancels the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	if m.task != nil {
		m.task.Cancel()
		m.task = nil
	}
}

func (m *Monitor) tick() {
	m.probeOnce()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.task = m.clk.AfterFunc(m.interval, m.tick)
	}
}

// probeOnce runs one active check and folds the result into the state.
func (m *Monitor) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.prober.Probe(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "probeOnce",
			"error":    err,
		}).Debug("Reachability probe failed")
	}
	m.setState(err == nil)
}

// SetOnline feeds a passive platform signal into the monitor. An
// offline signal is trusted immediately; an online signal is accepted
// optimistically and the next probe verifies it.
func (m *Monitor) SetOnline(online bool) {
	m.setState(online)
}

// setState updates the state, notifying subscribers only on an actual
// transition.
func (m *Monitor) setState(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"online":   online,
	}).Info("Connectivity state changed")

	for _, cb := range callbacks {
		cb(online)
	}
}
