// Package typing converts raw keystroke events into a minimal stream
// of typing-state-changed network calls. A burst of keystrokes within
// the coalescing window produces at most one typing=true call, and a
// quiet period (or an explicit stop) produces exactly one typing=false
// call. Each chat runs its own state machine independently.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/clock"
)

const (
	// CoalesceWindow is how long keystrokes accumulate before the
	// single typing=true call goes out.
	CoalesceWindow = 300 * time.Millisecond
	// InactivityTimeout is how long after the last keystroke the
	// typing=false call goes out automatically.
	InactivityTimeout = 3 * time.Second
)

// Notifier issues the typing-state network call. Exactly one call is
// made per state transition, never per keystroke.
type Notifier interface {
	SetTyping(ctx context.Context, chatID string, typing bool) error
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseDebouncing
	phaseTypingSent
)

type chatState struct {
	phase      phase
	debounce   clock.Task
	inactivity clock.Task
}

// Coalescer owns one typing state machine per chat.
type Coalescer struct {
	notify Notifier
	clk    clock.Scheduler

	mu    sync.Mutex
	chats map[string]*chatState
}

// NewCoalescer creates a coalescer over the given notifier.
func NewCoalescer(notify Notifier, clk clock.Scheduler) *Coalescer {
	return &Coalescer{
		notify: notify,
		clk:    clk,
		chats:  make(map[string]*chatState),
	}
}

// Keystroke records one keystroke in a chat. The first keystroke of a
// burst arms the coalescing window; once it elapses a single
// typing=true call goes out. Keystrokes after that only push the
// inactivity deadline forward.
func (c *Coalescer) Keystroke(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.chats[chatID]
	if state == nil {
		state = &chatState{}
		c.chats[chatID] = state
	}

	switch state.phase {
	case phaseIdle:
		state.phase = phaseDebouncing
		state.debounce = c.clk.AfterFunc(CoalesceWindow, func() {
			c.sendTypingTrue(chatID)
		})
	case phaseDebouncing:
		// Already armed; the burst coalesces into the pending call.
	case phaseTypingSent:
		if state.inactivity != nil {
			state.inactivity.Reset(InactivityTimeout)
		}
	}
}

// sendTypingTrue fires when the coalescing window elapses.
func (c *Coalescer) sendTypingTrue(chatID string) {
	c.mu.Lock()
	state := c.chats[chatID]
	if state == nil || state.phase != phaseDebouncing {
		c.mu.Unlock()
		return
	}
	state.phase = phaseTypingSent
	state.debounce = nil
	state.inactivity = c.clk.AfterFunc(InactivityTimeout, func() {
		c.autoStop(chatID)
	})
	c.mu.Unlock()

	if err := c.notify.SetTyping(context.Background(), chatID, true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendTypingTrue",
			"chat_id":  chatID,
			"error":    err,
		}).Warn("Failed to send typing notification")
	}
}

// autoStop fires after the inactivity timeout.
func (c *Coalescer) autoStop(chatID string) {
	c.mu.Lock()
	state := c.chats[chatID]
	if state == nil || state.phase != phaseTypingSent {
		c.mu.Unlock()
		return
	}
	state.phase = phaseIdle
	state.inactivity = nil
	c.mu.Unlock()

	if err := c.notify.SetTyping(context.Background(), chatID, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "autoStop",
			"chat_id":  chatID,
			"error":    err,
		}).Warn("Failed to send typing stop")
	}
}

// Stop explicitly ends typing in a chat. A typing=false call goes out
// only if typing=true was actually sent.
func (c *Coalescer) Stop(chatID string) {
	c.mu.Lock()
	state := c.chats[chatID]
	if state == nil {
		c.mu.Unlock()
		return
	}
	wasSent := state.phase == phaseTypingSent
	c.resetLocked(state)
	c.mu.Unlock()

	if wasSent {
		if err := c.notify.SetTyping(context.Background(), chatID, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Stop",
				"chat_id":  chatID,
				"error":    err,
			}).Warn("Failed to send typing stop")
		}
	}
}

// CleanupChat cancels all timers for a chat and resets its state
// without emitting a final typing=false. Callers needing a clean
// stopped-typing signal must call Stop first.
func (c *Coalescer) CleanupChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.chats[chatID]
	if state == nil {
		return
	}
	c.resetLocked(state)
	delete(c.chats, chatID)
}

// Dispose cancels every timer across all chats. No typing=false calls
// are emitted.
func (c *Coalescer) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for chatID, state := range c.chats {
		c.resetLocked(state)
		delete(c.chats, chatID)
	}
}

// resetLocked cancels a chat's timers and returns it to idle. Caller
// holds c.mu.
func (c *Coalescer) resetLocked(state *chatState) {
	if state.debounce != nil {
		state.debounce.Cancel()
		state.debounce = nil
	}
	if state.inactivity != nil {
		state.inactivity.Cancel()
		state.inactivity = nil
	}
	state.phase = phaseIdle
}
