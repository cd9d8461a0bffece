package sqlite

import (
	"context"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

const exportColumns = `id, user_id, download_token, file_path, created_at, expires_at`

// CreateExport inserts a new export record.
func (s *Store) CreateExport(ctx context.Context, e *oyster.Export) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO user_exports (id, user_id, download_token, file_path, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.DownloadToken, e.FilePath, fmtTime(e.CreatedAt), fmtTime(e.ExpiresAt),
	)
	return conflictErr(err, "export")
}

// GetExportByToken retrieves an export by its capability token.
func (s *Store) GetExportByToken(ctx context.Context, downloadToken string) (*oyster.Export, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM user_exports WHERE download_token = ?`, downloadToken)
	return scanExport(row)
}

// ListExportsByUser returns a user's export records, newest first.
func (s *Store) ListExportsByUser(ctx context.Context, userID string) ([]*oyster.Export, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM user_exports WHERE user_id = ? ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*oyster.Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExpiredExports removes rows past expiry and returns their file paths
// so the caller can unlink the snapshots.
func (s *Store) DeleteExpiredExports(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := fmtTime(now)
	rows, err := s.read.QueryContext(ctx,
		`SELECT file_path FROM user_exports WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.write.ExecContext(ctx,
		`DELETE FROM user_exports WHERE expires_at <= ?`, cutoff); err != nil {
		return nil, err
	}
	return paths, nil
}

func scanExport(sc scanner) (*oyster.Export, error) {
	var (
		e                    oyster.Export
		createdAt, expiresAt string
	)
	if err := sc.Scan(&e.ID, &e.UserID, &e.DownloadToken, &e.FilePath, &createdAt, &expiresAt); err != nil {
		return nil, notFoundErr(err)
	}
	e.CreatedAt = mustParseTime(createdAt)
	e.ExpiresAt = mustParseTime(expiresAt)
	return &e, nil
}
