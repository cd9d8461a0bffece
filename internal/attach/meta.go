package attach

import (
	"encoding/json"
	"strings"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// Sentinel markers wrapping attachment metadata inside a stored user message.
const (
	metaOpen  = "[[MESSAGE_META]]"
	metaClose = "[[/MESSAGE_META]]"
)

// FileMeta is the per-attachment record embedded in a message.
type FileMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

type messageMeta struct {
	FileIDs []string   `json:"file_ids"`
	Files   []FileMeta `json:"files"`
}

// EncodeMeta prefixes body with the attachment metadata sentinel. With no
// files the body is returned untouched.
func EncodeMeta(body string, files []*oyster.ConversationFile) string {
	if len(files) == 0 {
		return body
	}
	meta := messageMeta{
		FileIDs: make([]string, 0, len(files)),
		Files:   make([]FileMeta, 0, len(files)),
	}
	for _, f := range files {
		meta.FileIDs = append(meta.FileIDs, f.ID)
		meta.Files = append(meta.Files, FileMeta{
			ID:   f.ID,
			Name: f.OriginalName,
			Size: f.SizeBytes,
			Type: f.MIMEType,
			URL:  "/v1/files/" + f.ID,
		})
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return body
	}
	return metaOpen + string(raw) + metaClose + body
}

// ParseMeta splits stored message content into its body and attachment
// metadata. Content without the sentinel, or with a garbled one, reads as a
// plain body.
func ParseMeta(content string) (body string, fileIDs []string, files []FileMeta) {
	if !strings.HasPrefix(content, metaOpen) {
		return content, nil, nil
	}
	rest := content[len(metaOpen):]
	idx := strings.Index(rest, metaClose)
	if idx < 0 {
		return content, nil, nil
	}
	var meta messageMeta
	if err := json.Unmarshal([]byte(rest[:idx]), &meta); err != nil {
		return content, nil, nil
	}
	return rest[idx+len(metaClose):], meta.FileIDs, meta.Files
}
