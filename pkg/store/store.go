// Package store provides durable sqlite persistence for conversations,
// messages and the indexing watermark.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a conversation (or title match) does not exist.
var ErrNotFound = errors.New("not found")

const schemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_title TEXT NOT NULL,
    model_name TEXT NOT NULL,
    created_at TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    sequence_id INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    feedback TEXT NOT NULL DEFAULT '',
    UNIQUE (conversation_id, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, sequence_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp
    ON messages (timestamp);
CREATE INDEX IF NOT EXISTS idx_conversations_model
    ON conversations (model_name, created_at);

CREATE TABLE IF NOT EXISTS index_state (
    scope TEXT PRIMARY KEY,
    watermark TEXT NOT NULL,
    embedding_model TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);
`

// timeLayout keeps fixed-width nanosecond precision so that a message read
// back is byte-for-byte what was written, and so that stored timestamps
// compare correctly as strings in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the sqlite database holding conversations and messages.
//
// Appends to a single conversation are serialized through a per-conversation
// mutex so sequence id assignment is race-free; appends to different
// conversations proceed concurrently.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	appends map[string]*sync.Mutex
}

// New opens (or creates) the database at dsn and runs the schema migration.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open database")
	}

	// sqlite is single-writer; a single shared connection lets database/sql
	// serialize writers instead of them fighting over the write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "store: %s", pragma)
		}
	}

	if _, err := db.Exec(schemaV1); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: migrate schema")
	}

	log.Debug().Str("dsn", dsn).Msg("conversation store opened")

	return &Store{
		db:      db,
		appends: map[string]*sync.Mutex{},
	}, nil
}

// DB exposes the underlying handle so sibling components (the vector index
// snapshot) can live in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) appendLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.appends[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.appends[conversationID] = l
	}
	return l
}

// CreateConversation creates an empty conversation. If title is empty the
// caller is expected to derive one from the first user input.
func (s *Store) CreateConversation(ctx context.Context, userID, modelName, title string) (*Conversation, error) {
	conv := &Conversation{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionTitle: title,
		ModelName:    modelName,
		CreatedAt:    time.Now().UTC(),
		Metadata:     map[string]interface{}{},
	}

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "store: marshal metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, session_title, model_name, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.SessionTitle, conv.ModelName,
		conv.CreatedAt.Format(timeLayout), string(metadata))
	if err != nil {
		return nil, errors.Wrap(err, "store: insert conversation")
	}

	log.Debug().Str("conversation_id", conv.ID).Str("model", modelName).Msg("conversation created")
	return conv, nil
}

// SetTitle updates the session title. Used once, when the first user input
// arrives for a conversation created without an explicit title.
func (s *Store) SetTitle(ctx context.Context, conversationID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET session_title = ? WHERE id = ?`, title, conversationID)
	if err != nil {
		return errors.Wrap(err, "store: update title")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "store: update title")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
	}
	return nil
}

// AppendMessage durably appends a message to a conversation, assigning the
// next gap-free sequence id. The insert is transactional: either the full
// message is committed with its sequence id, or nothing is stored.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (*Message, error) {
	lock := s.appendLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: begin append")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "store: check conversation")
	}
	if exists == 0 {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", conversationID)
	}

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_id), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&next)
	if err != nil {
		return nil, errors.Wrap(err, "store: next sequence id")
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		SequenceID:     next,
		Timestamp:      time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, sequence_id, timestamp, feedback)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		msg.SequenceID, msg.Timestamp.Format(timeLayout), string(msg.Feedback))
	if err != nil {
		return nil, errors.Wrap(err, "store: insert message")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "store: commit append")
	}

	return msg, nil
}

// SetFeedback records like/dislike feedback on a message. Content and
// ordering stay immutable.
func (s *Store) SetFeedback(ctx context.Context, messageID string, feedback Feedback) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET feedback = ? WHERE id = ?`, string(feedback), messageID)
	if err != nil {
		return errors.Wrap(err, "store: set feedback")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "store: set feedback")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_title, model_name, created_at, metadata
		 FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get conversation")
	}
	return conv, nil
}

// GetMessages returns all messages of a conversation in sequence order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, sequence_id, timestamp, feedback
		 FROM messages WHERE conversation_id = ? ORDER BY sequence_id`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "store: get messages")
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// FindByTitle returns the messages of every conversation whose title
// contains the given substring (case-insensitive), grouped by model name.
func (s *Store) FindByTitle(ctx context.Context, substring string) (map[string][]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_name FROM conversations
		 WHERE lower(session_title) LIKE '%' || lower(?) || '%'
		 ORDER BY created_at`, substring)
	if err != nil {
		return nil, errors.Wrap(err, "store: find by title")
	}
	defer func() { _ = rows.Close() }()

	type hit struct{ id, model string }
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.model); err != nil {
			return nil, errors.Wrap(err, "store: find by title")
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "store: find by title")
	}
	if len(hits) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "title %q", substring)
	}

	result := map[string][]Message{}
	for _, h := range hits {
		msgs, err := s.GetMessages(ctx, h.id)
		if err != nil {
			return nil, err
		}
		result[h.model] = append(result[h.model], msgs...)
	}
	return result, nil
}

// ListRecent returns conversations created within the last `days` days,
// most recent first.
func (s *Store) ListRecent(ctx context.Context, days, limit int) ([]Conversation, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_title, model_name, created_at, metadata
		 FROM conversations WHERE created_at >= ?
		 ORDER BY created_at DESC LIMIT ?`, cutoff.Format(timeLayout), limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: list recent")
	}
	defer func() { _ = rows.Close() }()

	return scanConversations(rows)
}

// ListByModel returns a page of conversations for one model, most recent first.
func (s *Store) ListByModel(ctx context.Context, modelName string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_title, model_name, created_at, metadata
		 FROM conversations WHERE model_name = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, modelName, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "store: list by model")
	}
	defer func() { _ = rows.Close() }()

	return scanConversations(rows)
}

// SearchKeyword does a case-insensitive substring search over message
// content. Every matching message of a conversation is returned as a
// context entry.
func (s *Store) SearchKeyword(ctx context.Context, keyword string, limit int) ([]KeywordMatch, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT conversation_id FROM messages
		 WHERE lower(content) LIKE '%' || lower(?) || '%'
		 ORDER BY conversation_id LIMIT ?`, keyword, limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: search keyword")
	}
	var convIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "store: search keyword")
		}
		convIDs = append(convIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errors.Wrap(err, "store: search keyword")
	}
	_ = rows.Close()

	lowered := strings.ToLower(keyword)
	matches := make([]KeywordMatch, 0, len(convIDs))
	for _, id := range convIDs {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		msgs, err := s.GetMessages(ctx, id)
		if err != nil {
			return nil, err
		}
		match := KeywordMatch{Conversation: *conv}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), lowered) {
				match.Contexts = append(match.Contexts, MatchContext{
					Role:      m.Role,
					Text:      m.Content,
					Timestamp: m.Timestamp,
				})
			}
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// ListMessagesForIndexing returns all messages with timestamp strictly after
// `after`, optionally restricted to timestamps at or past `windowStart`
// (zero means unbounded). Results carry the owning conversation's model name
// and are ordered by timestamp so the indexer can advance its watermark.
func (s *Store) ListMessagesForIndexing(ctx context.Context, after, windowStart time.Time) ([]IndexSourceRow, error) {
	query := `SELECT m.id, m.conversation_id, m.role, m.content, m.sequence_id, m.timestamp, m.feedback, c.model_name
		 FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.timestamp > ?`
	args := []interface{}{after.UTC().Format(timeLayout)}
	if !windowStart.IsZero() {
		query += ` AND m.timestamp >= ?`
		args = append(args, windowStart.UTC().Format(timeLayout))
	}
	query += ` ORDER BY m.timestamp, m.conversation_id, m.sequence_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: list messages for indexing")
	}
	defer func() { _ = rows.Close() }()

	var result []IndexSourceRow
	for rows.Next() {
		var (
			row  IndexSourceRow
			role string
			ts   string
			fb   string
		)
		if err := rows.Scan(&row.ID, &row.ConversationID, &role, &row.Content,
			&row.SequenceID, &ts, &fb, &row.ModelName); err != nil {
			return nil, errors.Wrap(err, "store: list messages for indexing")
		}
		row.Role = Role(role)
		row.Feedback = Feedback(fb)
		parsed, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, errors.Wrap(err, "store: parse message timestamp")
		}
		row.Timestamp = parsed
		result = append(result, row)
	}
	return result, errors.Wrap(rows.Err(), "store: list messages for indexing")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv     Conversation
		created  string
		metadata string
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.SessionTitle, &conv.ModelName,
		&created, &metadata); err != nil {
		return nil, err
	}
	var err error
	conv.CreatedAt, err = time.Parse(timeLayout, created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &conv.Metadata); err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	var result []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan conversation")
		}
		result = append(result, *conv)
	}
	return result, errors.Wrap(rows.Err(), "store: scan conversations")
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var result []Message
	for rows.Next() {
		var (
			m    Message
			role string
			ts   string
			fb   string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content,
			&m.SequenceID, &ts, &fb); err != nil {
			return nil, errors.Wrap(err, "store: scan message")
		}
		m.Role = Role(role)
		m.Feedback = Feedback(fb)
		var err error
		m.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, errors.Wrap(err, "store: parse message timestamp")
		}
		result = append(result, m)
	}
	return result, errors.Wrap(rows.Err(), "store: scan messages")
}
