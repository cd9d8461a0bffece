package oyster

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Content is a tagged variant for chat message content: either a plain string
// or a list of parts (text + images). The zero value is the empty string.
type Content struct {
	Text  string
	Parts []Part // non-nil takes precedence over Text
}

// Part is one element of multimodal content. Exactly one of Text, Data, or
// URL is meaningful: Data carries inline image bytes (serialized as a data
// URL with MIME), URL carries a caller-supplied image reference verbatim.
type Part struct {
	Text string
	MIME string
	Data []byte
	URL  string
}

// TextContent wraps a plain string.
func TextContent(s string) Content { return Content{Text: s} }

// PartsContent wraps a part list.
func PartsContent(parts []Part) Content { return Content{Parts: parts} }

// IsParts reports whether the content is the multimodal variant.
func (c Content) IsParts() bool { return c.Parts != nil }

// PlainText flattens the content for token estimation and fallbacks: the
// string itself, or the concatenation of text parts only.
func (c Content) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// wire shapes for the OpenAI-style content part array.
type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

// MarshalJSON renders the variant in the OpenAI wire shape: a bare string, or
// an array of {type:text}/{type:image_url} objects. Inline image bytes become
// base64 data URLs.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	out := make([]wirePart, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch {
		case p.Data != nil:
			url := "data:" + p.MIME + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
			out = append(out, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
		case p.URL != "":
			out = append(out, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.URL}})
		default:
			out = append(out, wirePart{Type: "text", Text: p.Text})
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts either a JSON string or a part array.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	}
	var raw []wirePart
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	parts := make([]Part, 0, len(raw))
	for _, wp := range raw {
		switch wp.Type {
		case "text":
			parts = append(parts, Part{Text: wp.Text})
		case "image_url":
			if wp.ImageURL != nil {
				parts = append(parts, Part{URL: wp.ImageURL.URL})
			}
		}
	}
	c.Text = ""
	c.Parts = parts
	return nil
}
