// Package anthropic implements a provider adapter for the Anthropic Messages
// API, translating to and from the OpenAI-compatible shape the gateway speaks.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/provider"
)

const apiVersion = "2023-06-01"

// Client talks to the Anthropic Messages API.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	now     func() time.Time
}

// New returns a Client for the Messages API endpoint at baseURL.
func New(name, baseURL, apiKey, model string, transport http.RoundTripper) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Transport: transport, Timeout: 60 * time.Second},
		now:     time.Now,
	}
}

// Name returns the registry name of this adapter.
func (c *Client) Name() string { return c.name }

// Invoke performs a non-streaming chat completion against /v1/messages.
func (c *Client) Invoke(ctx context.Context, req *oyster.ChatRequest) (*oyster.ChatResponse, error) {
	payload, err := json.Marshal(translateRequest(c.model, req, false))
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", c.name, oyster.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w: %w", c.name, oyster.ErrUpstream, err)
	}
	out := translateResponse(raw, c.now().Unix())
	// The caller sees the model name it asked for, not the upstream alias.
	if req.Model != "" {
		out.Model = req.Model
	}
	return out, nil
}

// Stream emulates streaming over Invoke: the full completion arrives as a
// single delta followed by Done. Callers that need per-token deltas re-chunk
// downstream.
func (c *Client) Stream(ctx context.Context, req *oyster.ChatRequest) (<-chan oyster.Delta, error) {
	resp, err := c.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan oyster.Delta, 2)
	if len(resp.Choices) > 0 {
		if text := resp.Choices[0].Message.Content.PlainText(); text != "" {
			out <- oyster.Delta{Text: text}
		}
	}
	out <- oyster.Delta{Done: true}
	close(out)
	return out, nil
}
