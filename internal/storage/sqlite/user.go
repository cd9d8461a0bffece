package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

const userColumns = `id, email, password_hash, apple_id, name, avatar_url, tier,
 ai_config, language, created_at, updated_at, last_refresh_at`

// CreateUser inserts a new user. Duplicate email or apple_id maps to ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *oyster.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, apple_id, name, avatar_url, tier,
		 ai_config, language, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, nullStr(u.PasswordHash), nullStr(u.AppleID),
		nullStr(u.Name), nullStr(u.AvatarURL), string(u.Tier),
		nullStr(string(u.AIConfig)), nullStr(u.Language),
		fmtTime(u.CreatedAt), fmtTime(u.UpdatedAt),
	)
	return conflictErr(err, "user")
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*oyster.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*oyster.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByAppleID retrieves a user by external-identity subject.
func (s *Store) GetUserByAppleID(ctx context.Context, appleID string) (*oyster.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE apple_id = ?`, appleID)
	return scanUser(row)
}

// LinkAppleID binds an external-identity subject to an existing user.
func (s *Store) LinkAppleID(ctx context.Context, userID, appleID string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET apple_id = ?, updated_at = ? WHERE id = ?`,
		appleID, fmtTime(time.Now()), userID)
	if err != nil {
		return conflictErr(err, "apple id")
	}
	return checkRowsAffected(result, "user")
}

// UpdateUserProfile applies the non-nil profile fields.
func (s *Store) UpdateUserProfile(ctx context.Context, id string, name, avatarURL, language *string) error {
	set := "updated_at = ?"
	args := []any{fmtTime(time.Now())}
	if name != nil {
		set += ", name = ?"
		args = append(args, nullStr(*name))
	}
	if avatarURL != nil {
		set += ", avatar_url = ?"
		args = append(args, nullStr(*avatarURL))
	}
	if language != nil {
		set += ", language = ?"
		args = append(args, nullStr(*language))
	}
	args = append(args, id)
	result, err := s.write.ExecContext(ctx, `UPDATE users SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// UpdateUserAIConfig replaces the persona configuration blob.
func (s *Store) UpdateUserAIConfig(ctx context.Context, id string, cfg json.RawMessage) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET ai_config = ?, updated_at = ? WHERE id = ?`,
		nullStr(string(cfg)), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// UpdateUserPassword replaces the stored password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// DeleteUserData removes a user and everything it owns in one transaction.
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM messages WHERE conversation_id IN
		 (SELECT c.id FROM conversations c
		  JOIN device_tokens t ON t.token = c.device_token WHERE t.user_id = ?)`,
		`DELETE FROM conversation_files WHERE conversation_id IN
		 (SELECT c.id FROM conversations c
		  JOIN device_tokens t ON t.token = c.device_token WHERE t.user_id = ?)`,
		`DELETE FROM conversations WHERE device_token IN
		 (SELECT token FROM device_tokens WHERE user_id = ?)`,
		`DELETE FROM usage_daily WHERE token IN
		 (SELECT token FROM device_tokens WHERE user_id = ?)`,
		`DELETE FROM user_exports WHERE user_id = ?`,
		`DELETE FROM device_tokens WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
	}
	return tx.Commit()
}

// NormalizeTiers folds stored tier aliases to canonical values.
func (s *Store) NormalizeTiers(ctx context.Context) error {
	const fold = `CASE
		 WHEN %[1]s IN ('basic') THEN 'free'
		 WHEN %[1]s IN ('plus', 'premium') THEN 'pro'
		 WHEN %[1]s IN ('enterprise') THEN 'max'
		 ELSE %[1]s END`
	for _, q := range []string{
		fmt.Sprintf(`UPDATE users SET tier = `+fold+` WHERE tier NOT IN ('free','pro','max')`, "tier"),
		fmt.Sprintf(`UPDATE device_tokens SET tier = `+fold+` WHERE tier NOT IN ('free','pro','max')`, "tier"),
	} {
		if _, err := s.write.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("normalize tiers: %w", err)
		}
	}
	return nil
}

func scanUser(sc scanner) (*oyster.User, error) {
	var (
		u                             oyster.User
		passwordHash, appleID         sql.NullString
		name, avatarURL, aiConfig     sql.NullString
		language, lastRefresh         sql.NullString
		tier, createdAt, updatedAt    string
	)
	err := sc.Scan(&u.ID, &u.Email, &passwordHash, &appleID, &name, &avatarURL,
		&tier, &aiConfig, &language, &createdAt, &updatedAt, &lastRefresh)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.PasswordHash = passwordHash.String
	u.AppleID = appleID.String
	u.Name = name.String
	u.AvatarURL = avatarURL.String
	u.Tier = oyster.Tier(tier)
	if aiConfig.Valid {
		u.AIConfig = json.RawMessage(aiConfig.String)
	}
	u.Language = language.String
	u.CreatedAt = mustParseTime(createdAt)
	u.UpdatedAt = mustParseTime(updatedAt)
	u.LastRefreshAt = parseTime(lastRefresh)
	return &u, nil
}
