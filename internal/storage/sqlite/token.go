package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

const tokenColumns = `token, tier, status, note, user_id, created_at, expires_at`

// CreateToken inserts a new device token.
func (s *Store) CreateToken(ctx context.Context, t *oyster.DeviceToken) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO device_tokens (token, tier, status, note, user_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Token, string(t.Tier), t.Status, nullStr(t.Note), nullStr(t.UserID),
		fmtTime(t.CreatedAt), timeToStr(t.ExpiresAt),
	)
	return conflictErr(err, "device token")
}

// GetToken retrieves a device token by its opaque value.
func (s *Store) GetToken(ctx context.Context, token string) (*oyster.DeviceToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM device_tokens WHERE token = ?`, token)
	return scanToken(row)
}

// SetTokenTier changes a token's tier in place.
func (s *Store) SetTokenTier(ctx context.Context, token string, tier oyster.Tier) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE device_tokens SET tier = ? WHERE token = ?`, string(tier), token)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "device token")
}

// ListTokensByUser returns a user's tokens, newest first.
func (s *Store) ListTokensByUser(ctx context.Context, userID string) ([]*oyster.DeviceToken, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM device_tokens WHERE user_id = ? ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*oyster.DeviceToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RotateToken mints newTok and carries every token-keyed ownership reference
// from old to new in a single transaction. The old token is disabled, not
// deleted, so its audit trail survives.
func (s *Store) RotateToken(ctx context.Context, old string, newTok *oyster.DeviceToken, userID string, now time.Time) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_tokens (token, tier, status, note, user_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newTok.Token, string(newTok.Tier), newTok.Status, nullStr(newTok.Note),
		nullStr(newTok.UserID), fmtTime(newTok.CreatedAt), timeToStr(newTok.ExpiresAt),
	); err != nil {
		return fmt.Errorf("insert rotated token: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET device_token = ? WHERE device_token = ?`, newTok.Token, old,
	); err != nil {
		return fmt.Errorf("rewrite conversations: %w", err)
	}

	// usage_daily has (token, day) as primary key; a same-day row for the new
	// token cannot exist yet, so a plain rewrite is safe.
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_daily SET token = ? WHERE token = ?`, newTok.Token, old,
	); err != nil {
		return fmt.Errorf("rewrite usage: %w", err)
	}

	nowStr := fmtTime(now)
	result, err := tx.ExecContext(ctx,
		`UPDATE device_tokens SET status = 'disabled', note = 'rotated_by_refresh', expires_at = ?
		 WHERE token = ?`, nowStr, old)
	if err != nil {
		return fmt.Errorf("disable old token: %w", err)
	}
	if err := checkRowsAffected(result, "device token"); err != nil {
		return err
	}

	if userID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET last_refresh_at = ?, updated_at = ? WHERE id = ?`,
			nowStr, nowStr, userID,
		); err != nil {
			return fmt.Errorf("stamp last refresh: %w", err)
		}
	}

	return tx.Commit()
}

func scanToken(sc scanner) (*oyster.DeviceToken, error) {
	var (
		t                  oyster.DeviceToken
		tier, createdAt    string
		note, userID, exp  sql.NullString
	)
	if err := sc.Scan(&t.Token, &tier, &t.Status, &note, &userID, &createdAt, &exp); err != nil {
		return nil, notFoundErr(err)
	}
	t.Tier = oyster.Tier(tier)
	t.Note = note.String
	t.UserID = userID.String
	t.CreatedAt = mustParseTime(createdAt)
	t.ExpiresAt = parseTime(exp)
	return &t, nil
}
