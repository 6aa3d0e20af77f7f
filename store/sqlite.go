package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the durable Store backend. It uses WAL mode so that
// cached reads stay available while the reconciler writes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the
// schema. Safe to call repeatedly on the same file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent component access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Info("Local store opened")

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// PutMessages replaces the cached message page for a chat.
func (s *SQLiteStore) PutMessages(chatID string, messages []Message) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to encode message page: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO message_cache (chat_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		chatID, string(payload), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store message page: %w", err)
	}
	return nil
}

// GetMessages returns the cached message page for a chat, or nil when
// none has been cached.
func (s *SQLiteStore) GetMessages(chatID string) ([]Message, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var payload string
	err := s.db.QueryRow(`SELECT payload FROM message_cache WHERE chat_id = ?`, chatID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message page: %w", err)
	}

	var messages []Message
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		return nil, fmt.Errorf("failed to decode message page: %w", err)
	}
	return messages, nil
}

// UpsertOutboxEntry inserts or replaces an outbox entry.
func (s *SQLiteStore) UpsertOutboxEntry(entry *OutboxEntry) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	var confirmed int64
	if !entry.ConfirmedAt.IsZero() {
		confirmed = entry.ConfirmedAt.UnixNano()
	}

	_, err := s.db.Exec(
		`INSERT INTO outbox (local_id, chat_id, kind, content, media_ref, state,
		                     created_at, retry_count, last_error, server_id, confirmed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(local_id) DO UPDATE SET
		     chat_id = excluded.chat_id, kind = excluded.kind,
		     content = excluded.content, media_ref = excluded.media_ref,
		     state = excluded.state, created_at = excluded.created_at,
		     retry_count = excluded.retry_count, last_error = excluded.last_error,
		     server_id = excluded.server_id, confirmed_at = excluded.confirmed_at`,
		entry.LocalID, entry.ChatID, string(entry.Kind), entry.Content,
		entry.LocalMediaRef, string(entry.State), entry.CreatedAt.UnixNano(),
		entry.RetryCount, entry.LastError, entry.ServerID, confirmed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert outbox entry: %w", err)
	}
	return nil
}

// GetOutboxEntry returns the entry for localID.
func (s *SQLiteStore) GetOutboxEntry(localID string) (*OutboxEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(
		`SELECT local_id, chat_id, kind, content, media_ref, state,
		        created_at, retry_count, last_error, server_id, confirmed_at
		 FROM outbox WHERE local_id = ?`, localID)

	entry, err := scanOutboxEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox entry: %w", err)
	}
	return entry, nil
}

// ListOutboxEntries returns entries ordered by creation time, filtered
// by chat when chatID is non-empty.
func (s *SQLiteStore) ListOutboxEntries(chatID string) ([]*OutboxEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	query := `SELECT local_id, chat_id, kind, content, media_ref, state,
	                 created_at, retry_count, last_error, server_id, confirmed_at
	          FROM outbox ORDER BY created_at, local_id`
	args := []any{}
	if chatID != "" {
		query = `SELECT local_id, chat_id, kind, content, media_ref, state,
		                created_at, retry_count, last_error, server_id, confirmed_at
		         FROM outbox WHERE chat_id = ? ORDER BY created_at, local_id`
		args = append(args, chatID)
	}

	return s.queryOutbox(query, args...)
}

// ListOutboxByState returns entries in the given state ordered by
// creation time. Served by the state index.
func (s *SQLiteStore) ListOutboxByState(state SyncState) ([]*OutboxEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	return s.queryOutbox(
		`SELECT local_id, chat_id, kind, content, media_ref, state,
		        created_at, retry_count, last_error, server_id, confirmed_at
		 FROM outbox WHERE state = ? ORDER BY created_at, local_id`,
		string(state))
}

func (s *SQLiteStore) queryOutbox(query string, args ...any) ([]*OutboxEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEntry(row rowScanner) (*OutboxEntry, error) {
	var entry OutboxEntry
	var kind, state string
	var createdAt, confirmedAt int64

	err := row.Scan(&entry.LocalID, &entry.ChatID, &kind, &entry.Content,
		&entry.LocalMediaRef, &state, &createdAt, &entry.RetryCount,
		&entry.LastError, &entry.ServerID, &confirmedAt)
	if err != nil {
		return nil, err
	}

	entry.Kind = MessageKind(kind)
	entry.State = SyncState(state)
	entry.CreatedAt = time.Unix(0, createdAt)
	if confirmedAt != 0 {
		entry.ConfirmedAt = time.Unix(0, confirmedAt)
	}
	return &entry, nil
}

// DeleteOutboxEntry removes the entry for localID.
func (s *SQLiteStore) DeleteOutboxEntry(localID string) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}
	return nil
}

// ReplaceChatList overwrites the cached chat list wholesale.
func (s *SQLiteStore) ReplaceChatList(chats []ChatSnapshot) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chat list replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chat_list`); err != nil {
		return fmt.Errorf("failed to clear chat list: %w", err)
	}

	for i, chat := range chats {
		payload, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to encode chat snapshot: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO chat_list (chat_id, payload, position) VALUES (?, ?, ?)`,
			chat.ChatID, string(payload), i,
		); err != nil {
			return fmt.Errorf("failed to store chat snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat list: %w", err)
	}
	return nil
}

// GetChatList returns the cached chat list in stored order.
func (s *SQLiteStore) GetChatList() ([]ChatSnapshot, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT payload FROM chat_list ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []ChatSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan chat snapshot: %w", err)
		}
		var chat ChatSnapshot
		if err := json.Unmarshal([]byte(payload), &chat); err != nil {
			return nil, fmt.Errorf("failed to decode chat snapshot: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat list: %w", err)
	}
	return chats, nil
}

// ClearAll wipes every partition.
func (s *SQLiteStore) ClearAll() error {
	if s.db == nil {
		return ErrStoreClosed
	}

	for _, table := range []string{"message_cache", "outbox", "chat_list"} {
		if _, err := s.db.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
