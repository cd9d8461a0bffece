// Package quota implements approximate token estimation, context-window
// truncation, and daily usage gating.
package quota

import (
	"context"
	"fmt"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/storage"
)

// ApproxTokens estimates the token count of a string: max(1, ceil(len/4)).
// A byte-length heuristic is enough for quota and context gating; exact
// tokenization is deliberately out of scope.
func ApproxTokens(s string) int {
	return max(1, (len(s)+3)/4)
}

// MessageTokens estimates a message's token count. For multimodal content
// only the text parts count; image bytes are free under this estimator.
func MessageTokens(m oyster.ChatMessage) int {
	if !m.Content.IsParts() {
		return ApproxTokens(m.Content.Text)
	}
	total := 0
	for _, p := range m.Content.Parts {
		if p.Data == nil && p.URL == "" {
			total += ApproxTokens(p.Text)
		}
	}
	return max(1, total)
}

// RequestTokens sums the estimates over all messages.
func RequestTokens(msgs []oyster.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(m)
	}
	return total
}

// Truncate drops the oldest non-system messages one by one until the request
// fits maxContext. System messages are never dropped.
func Truncate(msgs []oyster.ChatMessage, maxContext int) []oyster.ChatMessage {
	kept := make([]oyster.ChatMessage, len(msgs))
	copy(kept, msgs)
	for RequestTokens(kept) > maxContext {
		dropped := false
		for i, m := range kept {
			if m.Role != "system" {
				kept = append(kept[:i], kept[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
	return kept
}

// OutputCap bounds the caller's max_tokens request to the tier's output cap.
// A nil caller value takes the full cap.
func OutputCap(tier oyster.Tier, callerMax *int) int {
	limit := tier.Limits().MaxOutputTokens
	if callerMax != nil && *callerMax > 0 && *callerMax < limit {
		return *callerMax
	}
	return limit
}

// Day formats an instant as the UTC usage-day key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Engine gates requests on daily token budgets and commits usage after
// successful upstream calls.
type Engine struct {
	usage storage.UsageStore
	now   func() time.Time
}

// NewEngine returns an Engine over the given usage store.
func NewEngine(usage storage.UsageStore) *Engine {
	return &Engine{usage: usage, now: time.Now}
}

// Gate rejects the request when the day's consumed tokens plus the incoming
// prompt would exceed the tier's daily budget. No partial charging: nothing
// is recorded here.
func (e *Engine) Gate(ctx context.Context, token string, tier oyster.Tier, promptTokens int) error {
	u, err := e.usage.GetDailyUsage(ctx, token, Day(e.now()))
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	used := u.PromptTokens + u.CompletionTokens
	if used+int64(promptTokens) > tier.Limits().DailyTokens {
		return oyster.ErrQuotaExceeded
	}
	return nil
}

// Commit upserts the day's counters after a successful upstream call.
func (e *Engine) Commit(ctx context.Context, token string, promptTokens, completionTokens int) error {
	return e.usage.AddDailyUsage(ctx, token, Day(e.now()), promptTokens, completionTokens)
}
