package transport

import (
	"context"
	"sync"
)

// TypingCall records one SetTyping invocation on a SimulatedPush.
type TypingCall struct {
	ChatID string
	Typing bool
}

// SimulatedPush is an in-process Push implementation for tests. Frames
// injected through the Push* methods are delivered synchronously on
// the caller's goroutine, so tests observe effects without sleeping.
// Outbound calls are recorded for inspection.
type SimulatedPush struct {
	mu         sync.Mutex
	connected  bool
	onMessage  func(MessageFrame)
	onStatus   func(StatusFrame)
	onPresence func(PresenceFrame)
	onTyping   func(TypingFrame)

	acks        []string
	typingCalls []TypingCall

	// FailOutbound makes AckDelivery and SetTyping return
	// ErrNotConnected without recording the call.
	FailOutbound bool
}

// NewSimulatedPush creates a disconnected simulated transport.
func NewSimulatedPush() *SimulatedPush {
	return &SimulatedPush{}
}

func (s *SimulatedPush) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *SimulatedPush) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *SimulatedPush) OnMessage(fn func(MessageFrame)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *SimulatedPush) OnStatus(fn func(StatusFrame)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

func (s *SimulatedPush) OnPresence(fn func(PresenceFrame)) {
	s.mu.Lock()
	s.onPresence = fn
	s.mu.Unlock()
}

func (s *SimulatedPush) OnTyping(fn func(TypingFrame)) {
	s.mu.Lock()
	s.onTyping = fn
	s.mu.Unlock()
}

func (s *SimulatedPush) AckDelivery(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.FailOutbound {
		return ErrNotConnected
	}
	s.acks = append(s.acks, messageID)
	return nil
}

func (s *SimulatedPush) SetTyping(ctx context.Context, chatID string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.FailOutbound {
		return ErrNotConnected
	}
	s.typingCalls = append(s.typingCalls, TypingCall{ChatID: chatID, Typing: typing})
	return nil
}

// PushMessage injects an inbound message frame.
func (s *SimulatedPush) PushMessage(f MessageFrame) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// PushStatus injects a delivery-status frame.
func (s *SimulatedPush) PushStatus(f StatusFrame) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// PushPresence injects a presence frame.
func (s *SimulatedPush) PushPresence(f PresenceFrame) {
	s.mu.Lock()
	fn := s.onPresence
	s.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// PushTyping injects a typing frame.
func (s *SimulatedPush) PushTyping(f TypingFrame) {
	s.mu.Lock()
	fn := s.onTyping
	s.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// Connected reports whether Connect has been called without a later
// Close.
func (s *SimulatedPush) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Acks returns the message IDs acknowledged so far.
func (s *SimulatedPush) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.acks))
	copy(out, s.acks)
	return out
}

// TypingCalls returns the recorded SetTyping invocations.
func (s *SimulatedPush) TypingCalls() []TypingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TypingCall, len(s.typingCalls))
	copy(out, s.typingCalls)
	return out
}
