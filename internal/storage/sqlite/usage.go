package sqlite

import (
	"context"
	"database/sql"
	"errors"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// GetDailyUsage returns the (token, day) counters, zero-valued when no row exists.
func (s *Store) GetDailyUsage(ctx context.Context, token, day string) (*oyster.DailyUsage, error) {
	u := &oyster.DailyUsage{Token: token, Day: day}
	err := s.read.QueryRowContext(ctx,
		`SELECT prompt_tokens, completion_tokens, requests
		 FROM usage_daily WHERE token = ? AND day = ?`, token, day,
	).Scan(&u.PromptTokens, &u.CompletionTokens, &u.Requests)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, nil
		}
		return nil, err
	}
	return u, nil
}

// AddDailyUsage upserts the (token, day) counters by (+prompt, +completion, +1 request).
func (s *Store) AddDailyUsage(ctx context.Context, token, day string, prompt, completion int) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_daily (token, day, prompt_tokens, completion_tokens, requests)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(token, day) DO UPDATE SET
		   prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		   completion_tokens = completion_tokens + excluded.completion_tokens,
		   requests = requests + 1`,
		token, day, prompt, completion,
	)
	return err
}

// ListUsageByToken returns all usage rows for a token, oldest day first.
func (s *Store) ListUsageByToken(ctx context.Context, token string) ([]*oyster.DailyUsage, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT day, prompt_tokens, completion_tokens, requests
		 FROM usage_daily WHERE token = ? ORDER BY day ASC`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*oyster.DailyUsage
	for rows.Next() {
		u := &oyster.DailyUsage{Token: token}
		if err := rows.Scan(&u.Day, &u.PromptTokens, &u.CompletionTokens, &u.Requests); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
