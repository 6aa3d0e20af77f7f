package store

import "time"

// SyncState represents where an outbox entry is in its delivery
// lifecycle. Transitions only ever run local-only -> syncing ->
// {synced | failed}; failed re-enters local-only solely through an
// explicit manual retry.
type SyncState string

const (
	// StateLocalOnly means the entry has been written locally and not
	// yet picked up for transmission.
	StateLocalOnly SyncState = "local-only"
	// StateSyncing means a transmission is in flight for the entry.
	StateSyncing SyncState = "syncing"
	// StateSynced means the server confirmed the entry. The entry is
	// retained for a grace window and then purged.
	StateSynced SyncState = "synced"
	// StateFailed means the last transmission attempt failed. The entry
	// stays eligible for automatic retry under backoff until the
	// attempt limit is reached.
	StateFailed SyncState = "failed"
)

// MessageKind categorizes outbox and cached message payloads.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindMedia MessageKind = "media"
)

// DeliveryStatus is the server-side status of a sent message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// OutboxEntry is a locally originated write awaiting server
// confirmation. LocalID is client-generated and doubles as the
// idempotency key for retransmission. ServerID and ConfirmedAt are set
// only when the entry reaches StateSynced.
type OutboxEntry struct {
	LocalID       string
	ChatID        string
	Kind          MessageKind
	Content       string
	LocalMediaRef string
	State         SyncState
	CreatedAt     time.Time
	RetryCount    int
	LastError     string
	ServerID      string
	ConfirmedAt   time.Time
}

// Message is a cached message as last seen from the server.
type Message struct {
	ID       string         `json:"id"`
	ChatID   string         `json:"chatId"`
	SenderID string         `json:"senderId"`
	Kind     MessageKind    `json:"kind"`
	Content  string         `json:"content"`
	Status   DeliveryStatus `json:"status"`
	SentAt   time.Time      `json:"sentAt"`
}

// ChatSnapshot is a cached chat list entry. Snapshots are overwritten
// wholesale on refresh and carry no invariants beyond last write wins.
type ChatSnapshot struct {
	ChatID       string    `json:"chatId"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"lastMessage"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount"`
}
