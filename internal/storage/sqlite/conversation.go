package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, c *oyster.Conversation) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO conversations (id, device_token, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.DeviceToken, nullStr(c.Title), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	return err
}

// GetConversation retrieves a conversation; ownership by another device token
// reads as not found.
func (s *Store) GetConversation(ctx context.Context, id, deviceToken string) (*oyster.Conversation, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, device_token, title, created_at, updated_at
		 FROM conversations WHERE id = ? AND device_token = ?`, id, deviceToken)
	return scanConversation(row)
}

// ListConversations returns a token's conversations, most recently updated
// first, each with its message count.
func (s *Store) ListConversations(ctx context.Context, deviceToken string, limit, offset int) ([]*oyster.Conversation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT c.id, c.device_token, c.title, c.created_at, c.updated_at,
		 (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
		 FROM conversations c WHERE c.device_token = ?
		 ORDER BY c.updated_at DESC LIMIT ? OFFSET ?`,
		deviceToken, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*oyster.Conversation
	for rows.Next() {
		var (
			c                    oyster.Conversation
			title                sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&c.ID, &c.DeviceToken, &title, &createdAt, &updatedAt, &c.MessageCount); err != nil {
			return nil, err
		}
		c.Title = title.String
		c.CreatedAt = mustParseTime(createdAt)
		c.UpdatedAt = mustParseTime(updatedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation with its messages and file rows.
func (s *Store) DeleteConversation(ctx context.Context, id, deviceToken string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Ownership check inside the same transaction as the deletes.
	var owned int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ? AND device_token = ?`,
		id, deviceToken).Scan(&owned)
	if err != nil {
		return err
	}
	if owned == 0 {
		return fmt.Errorf("conversation: %w", oyster.ErrNotFound)
	}

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversation_files WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return tx.Commit()
}

// AppendMessage inserts a message without touching the conversation row.
// Used for the initial system-prompt message at conversation create.
func (s *Store) AppendMessage(ctx context.Context, m *oyster.Message) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, fmtTime(m.CreatedAt),
	)
	return err
}

// AppendUserTurn persists a user turn in one transaction: verify ownership,
// resolve file ids, insert the message, bump updated_at, and set the title
// when still null.
func (s *Store) AppendUserTurn(ctx context.Context, convID, deviceToken string, m *oyster.Message, fileIDs []string, title string) ([]*oyster.ConversationFile, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var owned int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ? AND device_token = ?`,
		convID, deviceToken).Scan(&owned)
	if err != nil {
		return nil, err
	}
	if owned == 0 {
		return nil, fmt.Errorf("conversation: %w", oyster.ErrNotFound)
	}

	files, err := resolveFiles(ctx, tx, convID, fileIDs)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, fmtTime(m.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?,
		 title = CASE WHEN title IS NULL OR title = '' THEN ? ELSE title END
		 WHERE id = ?`,
		fmtTime(m.CreatedAt), nullStr(title), convID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return files, nil
}

// resolveFiles loads the given file ids scoped to the conversation, in the
// caller's order. Any id that does not resolve fails the whole turn.
func resolveFiles(ctx context.Context, tx *sql.Tx, convID string, fileIDs []string) ([]*oyster.ConversationFile, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	byID := make(map[string]*oyster.ConversationFile, len(fileIDs))
	placeholders := strings.Repeat("?,", len(fileIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(fileIDs)+1)
	args = append(args, convID)
	for _, id := range fileIDs {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM conversation_files
		 WHERE conversation_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*oyster.ConversationFile, 0, len(fileIDs))
	var unknown []string
	for _, id := range fileIDs {
		f, ok := byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		out = append(out, f)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown file_id(s): %s: %w", strings.Join(unknown, ", "), oyster.ErrBadRequest)
	}
	return out, nil
}

// AppendAssistantMessage inserts the assistant reply and bumps updated_at.
func (s *Store) AppendAssistantMessage(ctx context.Context, m *oyster.Message) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, fmtTime(m.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		fmtTime(m.CreatedAt), m.ConversationID,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns a conversation's messages in insertion order.
// created_at carries a nanosecond timestamp; rowid breaks remaining ties.
func (s *Store) ListMessages(ctx context.Context, convID string) ([]*oyster.Message, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, rowid ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*oyster.Message
	for rows.Next() {
		var (
			m         oyster.Message
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = mustParseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanConversation(sc scanner) (*oyster.Conversation, error) {
	var (
		c                    oyster.Conversation
		title                sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&c.ID, &c.DeviceToken, &title, &createdAt, &updatedAt); err != nil {
		return nil, notFoundErr(err)
	}
	c.Title = title.String
	c.CreatedAt = mustParseTime(createdAt)
	c.UpdatedAt = mustParseTime(updatedAt)
	return &c, nil
}
