// Package openai implements a provider adapter for OpenAI-compatible chat
// completion APIs (DeepSeek, Moonshot/Kimi, and anything speaking the same
// wire format).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/provider"
	"github.com/oysterlabs/oyster-gateway/internal/provider/sseutil"
)

// Client talks to one OpenAI-compatible upstream.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	model   string

	// Non-streaming calls get a deadline; streaming responses stay open for
	// the life of the request context.
	client       *http.Client
	streamClient *http.Client
}

// New returns a Client for the given upstream. The transport is shared across
// adapters; pass nil to use the default.
func New(name, baseURL, apiKey, model string, transport http.RoundTripper) *Client {
	return &Client{
		name:         name,
		baseURL:      baseURL,
		apiKey:       apiKey,
		model:        model,
		client:       &http.Client{Transport: transport, Timeout: 60 * time.Second},
		streamClient: &http.Client{Transport: transport},
	}
}

// Name returns the registry name of this adapter.
func (c *Client) Name() string { return c.name }

func (c *Client) newRequest(ctx context.Context, req *oyster.ChatRequest, stream bool) (*http.Request, error) {
	body := *req
	body.Model = c.model
	body.Stream = stream

	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}

// Invoke performs a non-streaming chat completion.
func (c *Client) Invoke(ctx context.Context, req *oyster.ChatRequest) (*oyster.ChatResponse, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", c.name, oyster.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}
	var out oyster.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w: %w", c.name, oyster.ErrUpstream, err)
	}
	// The caller sees the model name it asked for, not the upstream alias.
	if req.Model != "" {
		out.Model = req.Model
	}
	return &out, nil
}

// Stream performs a streaming chat completion. The returned channel is closed
// after the terminal Done or Err delta.
func (c *Client) Stream(ctx context.Context, req *oyster.ChatRequest) (<-chan oyster.Delta, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", c.name, oyster.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}

	out := make(chan oyster.Delta)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		// Every send races ctx so an abandoned consumer never strands this
		// goroutine; cancellation also closes resp.Body via the request ctx.
		emit := func(d oyster.Delta) bool {
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sc := sseutil.NewScanner(resp.Body)
		for sc.Scan() {
			payload, ok := sseutil.ParseSSELine(sc.Text())
			if !ok {
				continue
			}
			if payload == "[DONE]" {
				emit(oyster.Delta{Done: true})
				return
			}
			if text := gjson.Get(payload, "choices.0.delta.content"); text.Exists() && text.Str != "" {
				if !emit(oyster.Delta{Text: text.Str}) {
					return
				}
			}
		}
		if err := sc.Err(); err != nil {
			emit(oyster.Delta{Err: fmt.Errorf("%s: read stream: %w: %w", c.name, oyster.ErrUpstream, err)})
			return
		}
		// Upstream closed without [DONE]; treat the stream as complete.
		emit(oyster.Delta{Done: true})
	}()
	return out, nil
}
