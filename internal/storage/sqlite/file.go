package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

const fileColumns = `id, conversation_id, original_name, stored_path, sha256_hash,
 mime_type, size_bytes, extracted_text, created_at`

// CreateFile verifies conversation ownership and inserts the row in one
// transaction, closing the window between check and insert.
func (s *Store) CreateFile(ctx context.Context, f *oyster.ConversationFile, deviceToken string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var owned int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ? AND device_token = ?`,
		f.ConversationID, deviceToken).Scan(&owned)
	if err != nil {
		return err
	}
	if owned == 0 {
		return fmt.Errorf("conversation: %w", oyster.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_files
		 (id, conversation_id, original_name, stored_path, sha256_hash, mime_type, size_bytes, extracted_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ConversationID, f.OriginalName, f.StoredPath, f.SHA256,
		f.MIMEType, f.SizeBytes, nullStr(f.ExtractedText), fmtTime(f.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return tx.Commit()
}

// GetFile retrieves an attachment; the conversation join enforces ownership.
func (s *Store) GetFile(ctx context.Context, id, deviceToken string) (*oyster.ConversationFile, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT f.id, f.conversation_id, f.original_name, f.stored_path, f.sha256_hash,
		 f.mime_type, f.size_bytes, f.extracted_text, f.created_at
		 FROM conversation_files f
		 JOIN conversations c ON c.id = f.conversation_id
		 WHERE f.id = ? AND c.device_token = ?`, id, deviceToken)
	return scanFile(row)
}

// ListFilesByConversation returns a conversation's attachments, newest first.
func (s *Store) ListFilesByConversation(ctx context.Context, convID string) ([]*oyster.ConversationFile, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM conversation_files
		 WHERE conversation_id = ? ORDER BY created_at DESC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*oyster.ConversationFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFile(sc scanner) (*oyster.ConversationFile, error) {
	var (
		f         oyster.ConversationFile
		extracted sql.NullString
		createdAt string
	)
	err := sc.Scan(&f.ID, &f.ConversationID, &f.OriginalName, &f.StoredPath,
		&f.SHA256, &f.MIMEType, &f.SizeBytes, &extracted, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	f.ExtractedText = extracted.String
	f.CreatedAt = mustParseTime(createdAt)
	return &f, nil
}
