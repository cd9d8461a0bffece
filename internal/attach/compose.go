package attach

import (
	"fmt"
	"strings"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// imageFallbackPrompt substitutes for an empty user text when the turn is
// image-only; upstreams reject empty text parts.
const imageFallbackPrompt = "Please analyze the attached image(s)."

// ComposeText prepends extracted-text blocks to the user's text:
// "[File: name]\nextracted" blocks separated by blank lines, then the text.
func ComposeText(userText string, files []*oyster.ConversationFile) string {
	var blocks []string
	for _, f := range files {
		if f.ExtractedText != "" {
			blocks = append(blocks, fmt.Sprintf("[File: %s]\n%s", f.OriginalName, f.ExtractedText))
		}
	}
	if len(blocks) == 0 {
		return userText
	}
	composed := strings.Join(blocks, "\n\n")
	if userText != "" {
		composed += "\n\n" + userText
	}
	return composed
}

// BuildContent assembles the outbound user content: the composed text plus
// one inline image part per image attachment read from the content store.
// Without images the result stays the plain-string variant.
func (p *Pipeline) BuildContent(userText string, files []*oyster.ConversationFile) (oyster.Content, error) {
	composed := ComposeText(userText, files)

	var images []oyster.Part
	for _, f := range files {
		if !IsImage(f.MIMEType) {
			continue
		}
		data, err := p.Open(f.StoredPath)
		if err != nil {
			return oyster.Content{}, fmt.Errorf("load image %s: %w", f.ID, err)
		}
		images = append(images, oyster.Part{MIME: f.MIMEType, Data: data})
	}

	if len(images) == 0 {
		return oyster.TextContent(composed), nil
	}
	if composed == "" {
		composed = imageFallbackPrompt
	}
	parts := make([]oyster.Part, 0, len(images)+1)
	parts = append(parts, oyster.Part{Text: composed})
	parts = append(parts, images...)
	return oyster.PartsContent(parts), nil
}
