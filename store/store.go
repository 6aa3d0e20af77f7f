package store

import "errors"

var (
	// ErrEntryNotFound indicates an outbox entry was not found.
	ErrEntryNotFound = errors.New("outbox entry not found")
	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store is the persistence contract for the sync subsystem. Each call
// is atomic on its own; callers must not assume multi-call
// transactions. Implementations perform no internal retries - storage
// failures surface to the caller.
type Store interface {
	// PutMessages replaces the cached message page for a chat.
	PutMessages(chatID string, messages []Message) error

	// GetMessages returns the cached message page for a chat, or nil
	// when no page has been cached.
	GetMessages(chatID string) ([]Message, error)

	// UpsertOutboxEntry inserts or replaces an outbox entry by LocalID.
	UpsertOutboxEntry(entry *OutboxEntry) error

	// GetOutboxEntry returns the entry for localID, or ErrEntryNotFound.
	GetOutboxEntry(localID string) (*OutboxEntry, error)

	// ListOutboxEntries returns entries ordered by creation time.
	// An empty chatID lists the whole outbox.
	ListOutboxEntries(chatID string) ([]*OutboxEntry, error)

	// ListOutboxByState returns entries in the given state ordered by
	// creation time, using a secondary index rather than a full scan.
	ListOutboxByState(state SyncState) ([]*OutboxEntry, error)

	// DeleteOutboxEntry removes the entry for localID. Deleting an
	// absent entry is not an error.
	DeleteOutboxEntry(localID string) error

	// ReplaceChatList overwrites the cached chat list wholesale.
	ReplaceChatList(chats []ChatSnapshot) error

	// GetChatList returns the cached chat list, or nil when empty.
	GetChatList() ([]ChatSnapshot, error)

	// ClearAll wipes every partition.
	ClearAll() error

	// Close releases backing resources.
	Close() error
}
