package app

import (
	"context"
	"fmt"
	"strings"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/attach"
)

// maxTitleRunes caps auto-derived conversation titles.
const maxTitleRunes = 50

// deriveTitle picks a title for a conversation's first turn: the user text
// when present, otherwise the first attachment's name. Whitespace runs
// collapse to single spaces before the cap so newlines never leak into lists.
func deriveTitle(text string, files []*oyster.ConversationFile) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" && len(files) > 0 {
		title = files[0].OriginalName
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}

// rebuildHistory converts a conversation's stored messages into the outbound
// wire shape. User messages with attachment metadata get their text blocks
// and image parts reassembled from the file rows.
func (s *ChatService) rebuildHistory(ctx context.Context, convID string) ([]oyster.ChatMessage, error) {
	msgs, err := s.store.ListMessages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	fileRows, err := s.store.ListFilesByConversation(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	byID := make(map[string]*oyster.ConversationFile, len(fileRows))
	for _, f := range fileRows {
		byID[f.ID] = f
	}

	out := make([]oyster.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "user" {
			out = append(out, oyster.ChatMessage{Role: m.Role, Content: oyster.TextContent(m.Content)})
			continue
		}
		body, fileIDs, _ := attach.ParseMeta(m.Content)
		var files []*oyster.ConversationFile
		for _, id := range fileIDs {
			if f, ok := byID[id]; ok {
				files = append(files, f)
			}
		}
		content, err := s.files.BuildContent(body, files)
		if err != nil {
			return nil, err
		}
		out = append(out, oyster.ChatMessage{Role: "user", Content: content})
	}
	return out, nil
}
