package store

import (
	"sort"
	"sync"
)

// MemoryStore is a goroutine-safe in-memory Store for tests and
// ephemeral sessions. Outbox entries are indexed by chat and by sync
// state so the secondary lookups stay proportional to their results.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]Message
	outbox   map[string]*OutboxEntry
	byChat   map[string]map[string]struct{}
	byState  map[SyncState]map[string]struct{}
	chats    []ChatSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]Message),
		outbox:   make(map[string]*OutboxEntry),
		byChat:   make(map[string]map[string]struct{}),
		byState:  make(map[SyncState]map[string]struct{}),
	}
}

// PutMessages replaces the cached message page for a chat.
func (s *MemoryStore) PutMessages(chatID string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatID] = append([]Message(nil), messages...)
	return nil
}

// GetMessages returns the cached message page for a chat, or nil.
func (s *MemoryStore) GetMessages(chatID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.messages[chatID]
	if !ok {
		return nil, nil
	}
	return append([]Message(nil), page...), nil
}

// UpsertOutboxEntry inserts or replaces an outbox entry.
func (s *MemoryStore) UpsertOutboxEntry(entry *OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.outbox[entry.LocalID]; ok {
		s.dropFromIndexes(old)
	}

	clone := *entry
	s.outbox[entry.LocalID] = &clone

	if s.byChat[clone.ChatID] == nil {
		s.byChat[clone.ChatID] = make(map[string]struct{})
	}
	s.byChat[clone.ChatID][clone.LocalID] = struct{}{}

	if s.byState[clone.State] == nil {
		s.byState[clone.State] = make(map[string]struct{})
	}
	s.byState[clone.State][clone.LocalID] = struct{}{}
	return nil
}

func (s *MemoryStore) dropFromIndexes(entry *OutboxEntry) {
	delete(s.byChat[entry.ChatID], entry.LocalID)
	delete(s.byState[entry.State], entry.LocalID)
}

// GetOutboxEntry returns the entry for localID.
func (s *MemoryStore) GetOutboxEntry(localID string) (*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.outbox[localID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	clone := *entry
	return &clone, nil
}

// ListOutboxEntries returns entries ordered by creation time.
func (s *MemoryStore) ListOutboxEntries(chatID string) ([]*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*OutboxEntry
	if chatID == "" {
		for _, entry := range s.outbox {
			clone := *entry
			entries = append(entries, &clone)
		}
	} else {
		for localID := range s.byChat[chatID] {
			clone := *s.outbox[localID]
			entries = append(entries, &clone)
		}
	}
	sortOutbox(entries)
	return entries, nil
}

// ListOutboxByState returns entries in the given state ordered by
// creation time.
func (s *MemoryStore) ListOutboxByState(state SyncState) ([]*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*OutboxEntry
	for localID := range s.byState[state] {
		clone := *s.outbox[localID]
		entries = append(entries, &clone)
	}
	sortOutbox(entries)
	return entries, nil
}

func sortOutbox(entries []*OutboxEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].LocalID < entries[j].LocalID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// DeleteOutboxEntry removes the entry for localID.
func (s *MemoryStore) DeleteOutboxEntry(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.outbox[localID]; ok {
		s.dropFromIndexes(entry)
		delete(s.outbox, localID)
	}
	return nil
}

// ReplaceChatList overwrites the cached chat list.
func (s *MemoryStore) ReplaceChatList(chats []ChatSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append([]ChatSnapshot(nil), chats...)
	return nil
}

// GetChatList returns the cached chat list.
func (s *MemoryStore) GetChatList() ([]ChatSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.chats == nil {
		return nil, nil
	}
	return append([]ChatSnapshot(nil), s.chats...), nil
}

// ClearAll wipes every partition.
func (s *MemoryStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string][]Message)
	s.outbox = make(map[string]*OutboxEntry)
	s.byChat = make(map[string]map[string]struct{})
	s.byState = make(map[SyncState]map[string]struct{})
	s.chats = nil
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
