package event

import (
	"time"

	"github.com/opd-ai/msgsync/store"
)

// Kind identifies the event variant.
type Kind uint8

const (
	KindMessageReceived Kind = iota
	KindMessageSentConfirmed
	KindStatusChanged
	KindSyncCompleted
	KindPresenceChanged
	KindTypingChanged
)

// String returns a human-readable kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindMessageReceived:
		return "message-received"
	case KindMessageSentConfirmed:
		return "message-sent-confirmed"
	case KindStatusChanged:
		return "status-changed"
	case KindSyncCompleted:
		return "sync-completed"
	case KindPresenceChanged:
		return "presence-changed"
	case KindTypingChanged:
		return "typing-changed"
	default:
		return "unknown"
	}
}

// Origin records which channel produced an occurrence.
type Origin string

const (
	OriginPush  Origin = "push"
	OriginPoll  Origin = "poll"
	OriginLocal Origin = "local"
)

// Payload is the closed set of event payloads. Only the types in this
// package implement it, which keeps the union exhaustive for handlers.
type Payload interface {
	Kind() Kind
	isPayload()
}

// MessageReceived carries an inbound message from another user.
type MessageReceived struct {
	Message store.Message
}

func (MessageReceived) Kind() Kind { return KindMessageReceived }
func (MessageReceived) isPayload() {}

// MessageSentConfirmed reports that the server accepted a locally
// originated message and assigned it a server id.
type MessageSentConfirmed struct {
	LocalID  string
	ServerID string
	ChatID   string
}

func (MessageSentConfirmed) Kind() Kind { return KindMessageSentConfirmed }
func (MessageSentConfirmed) isPayload() {}

// StatusChanged reports a delivery-status transition for a message,
// along with the channel that observed it.
type StatusChanged struct {
	MessageID string
	ChatID    string
	NewStatus store.DeliveryStatus
	Origin    Origin
}

func (StatusChanged) Kind() Kind { return KindStatusChanged }
func (StatusChanged) isPayload() {}

// SyncCompleted reports the outcome of a reconciliation pass.
type SyncCompleted struct {
	Sent   int
	Failed int
}

func (SyncCompleted) Kind() Kind { return KindSyncCompleted }
func (SyncCompleted) isPayload() {}

// PresenceChanged reports another user going online or offline.
type PresenceChanged struct {
	UserID string
	Online bool
}

func (PresenceChanged) Kind() Kind { return KindPresenceChanged }
func (PresenceChanged) isPayload() {}

// TypingChanged reports another user starting or stopping typing.
type TypingChanged struct {
	ChatID string
	UserID string
	Typing bool
}

func (TypingChanged) Kind() Kind { return KindTypingChanged }
func (TypingChanged) isPayload() {}

// Event is an immutable occurrence flowing through the dispatcher. ID
// is producer-assigned and used for deduplication; producers that can
// observe the same occurrence on two channels must derive the same ID
// on both.
type Event struct {
	ID         string
	OccurredAt time.Time
	Payload    Payload
}

// New wraps a payload into an event.
func New(id string, occurredAt time.Time, payload Payload) Event {
	return Event{ID: id, OccurredAt: occurredAt, Payload: payload}
}

// Kind returns the payload's kind.
func (e Event) Kind() Kind { return e.Payload.Kind() }

// StatusEventID derives the deterministic id shared by the push and
// poll channels for the same status change, so whichever channel
// arrives second is deduplicated.
func StatusEventID(messageID string, status store.DeliveryStatus) string {
	return "status:" + messageID + ":" + string(status)
}

// ConfirmedEventID derives the deterministic id for a send
// confirmation, shared by the reconciler's own success path and a
// duplicate confirmation arriving over the push channel.
func ConfirmedEventID(localID string) string {
	return "sent-confirmed:" + localID
}

// MessageEventID derives the deterministic id for an inbound message,
// so redelivery of the same message is deduplicated.
func MessageEventID(messageID string) string {
	return "message:" + messageID
}
