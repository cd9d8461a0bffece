package anthropic

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

const defaultMaxTokens = 2048

// anthropicRequest is the Messages API request shape.
type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// translateRequest converts an OpenAI-style chat request to the Messages API
// shape: system messages are lifted out and joined, remaining turns keep their
// order, and image parts become inline base64 blocks.
func translateRequest(model string, req *oyster.ChatRequest, stream bool) *anthropicRequest {
	out := &anthropicRequest{
		Model:       model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content.PlainText())
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    m.Role,
				Content: translateContent(m.Content),
			})
		}
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func translateContent(c oyster.Content) any {
	if !c.IsParts() {
		return c.Text
	}
	blocks := make([]anthropicBlock, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch {
		case len(p.Data) > 0:
			blocks = append(blocks, anthropicBlock{
				Type: "image",
				Source: &anthropicSource{
					Type:      "base64",
					MediaType: p.MIME,
					Data:      base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		case p.URL != "":
			// Remote image references are not fetched; pass the URL as text.
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.URL})
		default:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		}
	}
	return blocks
}

// translateResponse converts a Messages API response into the
// OpenAI-compatible shape the rest of the gateway speaks.
func translateResponse(raw []byte, created int64) *oyster.ChatResponse {
	body := string(raw)

	var texts []string
	for _, block := range gjson.Get(body, "content").Array() {
		if block.Get("type").Str == "text" {
			texts = append(texts, block.Get("text").Str)
		}
	}
	prompt := int(gjson.Get(body, "usage.input_tokens").Int())
	completion := int(gjson.Get(body, "usage.output_tokens").Int())

	stop := "stop"
	if gjson.Get(body, "stop_reason").Str == "max_tokens" {
		stop = "length"
	}

	return &oyster.ChatResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: created,
		Model:   gjson.Get(body, "model").Str,
		Choices: []oyster.Choice{{
			Index: 0,
			Message: oyster.ChatMessage{
				Role:    "assistant",
				Content: oyster.TextContent(strings.Join(texts, "\n")),
			},
			FinishReason: stop,
		}},
		Usage: &oyster.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

func newCompletionID() string {
	var b [12]byte
	rand.Read(b[:])
	return "chatcmpl_" + hex.EncodeToString(b[:])
}
