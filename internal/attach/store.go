package attach

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// Pipeline ingests uploads into a content-addressed directory.
type Pipeline struct {
	root     string
	maxImage int64
	maxFile  int64
}

// NewPipeline returns a Pipeline rooted at dir, creating it if needed.
func NewPipeline(dir string, maxImage, maxFile int64) (*Pipeline, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads root: %w", err)
	}
	// Pin the resolved root so the containment check in Open compares real
	// paths even when the configured dir sits behind a symlink.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Pipeline{root: abs, maxImage: maxImage, maxFile: maxFile}, nil
}

// MaxFileSize returns the document size cap, which is also the larger of the
// two caps and bounds the raw request body at the edge.
func (p *Pipeline) MaxFileSize() int64 { return p.maxFile }

// Ingested describes a stored upload.
type Ingested struct {
	SHA256        string
	StoredPath    string
	MIMEType      string
	SizeBytes     int64
	ExtractedText string
}

// Ingest sniffs, validates, stores, and extracts an upload. Identical bytes
// land at the same path; re-uploads reuse the existing blob.
func (p *Pipeline) Ingest(name string, data []byte) (*Ingested, error) {
	mime := DetectMIME(name, data)
	size := int64(len(data))

	switch {
	case IsImage(mime):
		if size > p.maxImage {
			return nil, fmt.Errorf("image exceeds %d bytes: %w", p.maxImage, oyster.ErrTooLarge)
		}
	case IsAllowedFile(mime):
		if size > p.maxFile {
			return nil, fmt.Errorf("file exceeds %d bytes: %w", p.maxFile, oyster.ErrTooLarge)
		}
	default:
		return nil, fmt.Errorf("%s: %w", mime, oyster.ErrUnsupportedMedia)
	}

	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	path := filepath.Join(p.root, sha+mimeExt[mime])

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("store upload: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}

	return &Ingested{
		SHA256:        sha,
		StoredPath:    path,
		MIMEType:      mime,
		SizeBytes:     size,
		ExtractedText: ExtractText(mime, data),
	}, nil
}

// Open returns the stored bytes for a path after verifying it resolves inside
// the uploads root. Rows pointing elsewhere (however they got that way) are a
// forbidden read, not a server error.
func (p *Pipeline) Open(storedPath string) ([]byte, error) {
	resolved, err := filepath.EvalSymlinks(storedPath)
	if err != nil {
		resolved, err = filepath.Abs(storedPath)
		if err != nil {
			return nil, fmt.Errorf("resolve stored path: %w", err)
		}
	}
	if !strings.HasPrefix(resolved, p.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("stored path escapes uploads root: %w", oyster.ErrForbidden)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read stored file: %w", err)
	}
	return data, nil
}
