package transport

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/msgsync/store"
)

// ErrNotConnected is returned by outbound transport calls while the
// underlying connection is down.
var ErrNotConnected = errors.New("transport: not connected")

// MessageFrame is an inbound chat message pushed by the server.
type MessageFrame struct {
	ID       string            `json:"id"`
	ChatID   string            `json:"chatId"`
	SenderID string            `json:"senderId"`
	Kind     store.MessageKind `json:"kind"`
	Content  string            `json:"content"`
	SentAt   time.Time         `json:"sentAt"`
}

// StatusFrame reports a delivery-status change for a message this
// client sent earlier. LocalID is set when the server echoes back the
// idempotency key of a send, letting the client correlate the
// confirmation with its outbox entry.
type StatusFrame struct {
	MessageID string               `json:"messageId"`
	LocalID   string               `json:"localId,omitempty"`
	ChatID    string               `json:"chatId"`
	Status    store.DeliveryStatus `json:"status"`
	At        time.Time            `json:"at"`
}

// PresenceFrame reports a contact going online or offline.
type PresenceFrame struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// TypingFrame reports a contact's typing state in a chat.
type TypingFrame struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// Push is the real-time server channel consumed by the client facade.
// Callbacks must be registered before Connect; implementations invoke
// them from a single goroutine, never concurrently.
type Push interface {
	// Connect establishes the channel and starts delivering frames.
	// It returns once the initial connection attempt resolves;
	// implementations keep the channel alive in the background after
	// a successful connect.
	Connect(ctx context.Context) error

	// Close tears the channel down and stops all background work.
	Close() error

	OnMessage(func(MessageFrame))
	OnStatus(func(StatusFrame))
	OnPresence(func(PresenceFrame))
	OnTyping(func(TypingFrame))

	// AckDelivery tells the server a pushed message reached this
	// device, so the sender can be shown a delivered state.
	AckDelivery(ctx context.Context, messageID string) error

	// SetTyping publishes this client's typing state for a chat.
	SetTyping(ctx context.Context, chatID string, typing bool) error
}
