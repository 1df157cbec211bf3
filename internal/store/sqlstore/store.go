// Package sqlstore persists conversations in SQLite or PostgreSQL through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/buddychat/internal/model/chat"
)

// Store implements chat.Store on a SQL database.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   *chat.Clock
}

var _ chat.Store = (*Store)(nil)

// Open connects to the database and applies the schema. driver is "sqlite" or
// "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Errorf("unsupported sql driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	if d.name == "sqlite" {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", d.name)
	}
	if d.name == "sqlite" {
		// SQLite serializes writers; one connection keeps the pragmas in effect.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	s := &Store{db: db, dialect: d, clock: chat.NewClock()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return nil
}

// LoadHistory returns role/content pairs in creation order; unknown ids yield none.
func (s *Store) LoadHistory(ctx context.Context, conversationID string) ([]chat.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT role, content FROM messages WHERE conversation_id = ? ORDER BY created_us ASC`), conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load history")
	}
	defer rows.Close()

	history := make([]chat.HistoryEntry, 0)
	for rows.Next() {
		var entry chat.HistoryEntry
		if err := rows.Scan(&entry.Role, &entry.Content); err != nil {
			return nil, errors.Wrap(err, "failed to scan history")
		}
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate history")
	}
	return history, nil
}

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, titleSeed string) (chat.Conversation, error) {
	now := s.clock.Now()
	conversation := chat.Conversation{
		ID:        uuid.NewString(),
		Title:     chat.TitleFromSeed(titleSeed),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO conversations (id, title, created_us, updated_us) VALUES (?, ?, ?, ?)`),
		conversation.ID, conversation.Title, now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "failed to create conversation")
	}
	return conversation, nil
}

// AppendTurn inserts a message after checking the conversation exists.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, errors.Wrapf(chat.ErrInvalidRole, "%q", role)
	}

	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.clock.Now(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO messages (id, conversation_id, role, content, created_us) VALUES (?, ?, ?, ?, ?)`),
			message.ID, conversationID, string(role), content, message.CreatedAt.UnixMicro())
		return errors.Wrap(err, "failed to insert message")
	})
	if err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

// CompleteTurn inserts the assistant message and bumps updated_us in one transaction.
func (s *Store) CompleteTurn(ctx context.Context, conversationID string, content string) (chat.Message, error) {
	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		Content:        content,
		CreatedAt:      s.clock.Now(),
	}
	updated := s.clock.Now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO messages (id, conversation_id, role, content, created_us) VALUES (?, ?, ?, ?, ?)`),
			message.ID, conversationID, string(message.Role), content, message.CreatedAt.UnixMicro()); err != nil {
			return errors.Wrap(err, "failed to insert message")
		}
		result, err := tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE conversations SET updated_us = ? WHERE id = ?`), updated.UnixMicro(), conversationID)
		if err != nil {
			return errors.Wrap(err, "failed to touch conversation")
		}
		return requireAffected(result)
	})
	if err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

// TouchConversation bumps updated_us.
func (s *Store) TouchConversation(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE conversations SET updated_us = ? WHERE id = ?`), s.clock.Now().UnixMicro(), conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to touch conversation")
	}
	return requireAffected(result)
}

// DeleteConversation removes the messages and the conversation in one transaction.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`DELETE FROM messages WHERE conversation_id = ?`), conversationID); err != nil {
			return errors.Wrap(err, "failed to delete messages")
		}
		result, err := tx.ExecContext(ctx, s.dialect.rebind(
			`DELETE FROM conversations WHERE id = ?`), conversationID)
		if err != nil {
			return errors.Wrap(err, "failed to delete conversation")
		}
		return requireAffected(result)
	})
}

// ListConversations returns conversations by updated_us desc with their latest message.
func (s *Store) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_us, c.updated_us,
			(SELECT m.content FROM messages m
				WHERE m.conversation_id = c.id
				ORDER BY m.created_us DESC LIMIT 1) AS last_message
		FROM conversations c
		ORDER BY c.updated_us DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := make([]chat.ConversationSummary, 0)
	for rows.Next() {
		var (
			summary            chat.ConversationSummary
			createdUs, updated int64
			last               sql.NullString
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &createdUs, &updated, &last); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		summary.CreatedAt = fromMicros(createdUs)
		summary.UpdatedAt = fromMicros(updated)
		if last.Valid {
			content := last.String
			summary.LastMessage = &content
		}
		list = append(list, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate conversations")
	}
	return list, nil
}

// ListMessages returns the messages of an existing conversation.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if err := s.ensureConversation(ctx, s.db, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, role, content, created_us FROM messages WHERE conversation_id = ? ORDER BY created_us ASC`), conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		m := chat.Message{ConversationID: conversationID}
		var createdUs int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &createdUs); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		m.CreatedAt = fromMicros(createdUs)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}
	return messages, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) ensureConversation(ctx context.Context, q queryer, conversationID string) error {
	var one int
	err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM conversations WHERE id = ?`), conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ErrConversationNotFound
	}
	return errors.Wrap(err, "failed to look up conversation")
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return chat.ErrConversationNotFound
	}
	return nil
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
