// Package mock implements an offline provider adapter that echoes the last
// user message. It stands in for real upstreams in development and tests.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/quota"
)

// Client echoes requests without network access.
type Client struct {
	name string
	now  func() time.Time
}

// New returns a mock adapter registered under name.
func New(name string) *Client {
	return &Client{name: name, now: time.Now}
}

// Name returns the registry name of this adapter.
func (c *Client) Name() string { return c.name }

func (c *Client) reply(req *oyster.ChatRequest) string {
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content.PlainText()
		}
	}
	return fmt.Sprintf("[MOCK:%s:%s] %s", c.name, req.Tier, last)
}

// Invoke returns a deterministic echo of the last user message, tagged with
// the provider name and tier so routing is visible end to end.
func (c *Client) Invoke(ctx context.Context, req *oyster.ChatRequest) (*oyster.ChatResponse, error) {
	text := c.reply(req)

	completion := quota.ApproxTokens(text)
	if outCap := quota.OutputCap(req.Tier, req.MaxTokens); completion > outCap {
		completion = outCap
	}
	prompt := quota.RequestTokens(req.Messages)

	var b [12]byte
	rand.Read(b[:])
	return &oyster.ChatResponse{
		ID:      "chatcmpl_" + hex.EncodeToString(b[:]),
		Object:  "chat.completion",
		Created: c.now().Unix(),
		Model:   "mock",
		Choices: []oyster.Choice{{
			Index:        0,
			Message:      oyster.ChatMessage{Role: "assistant", Content: oyster.TextContent(text)},
			FinishReason: "stop",
		}},
		Usage: &oyster.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// Stream delivers the echoed reply as a single delta followed by Done.
func (c *Client) Stream(ctx context.Context, req *oyster.ChatRequest) (<-chan oyster.Delta, error) {
	out := make(chan oyster.Delta, 2)
	out <- oyster.Delta{Text: c.reply(req)}
	out <- oyster.Delta{Done: true}
	close(out)
	return out, nil
}
