// Package attach implements the attachment pipeline: multipart ingest,
// content sniffing, content-addressed storage, text extraction, and
// multimodal message composition.
package attach

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

var (
	boundaryPattern = regexp.MustCompile(`boundary="?([^";]+)"?`)
	filenamePattern = regexp.MustCompile(`filename="([^"]*)"`)
	namePattern     = regexp.MustCompile(`name="([^"]*)"`)
)

// ParseFileField extracts the single "file" form field from a multipart/form-data
// body. Parsing is done by hand so malformed boundaries and headers fail
// predictably rather than depending on parser-specific laxness.
func ParseFileField(contentType string, body []byte) (filename string, data []byte, err error) {
	m := boundaryPattern.FindStringSubmatch(contentType)
	if m == nil {
		return "", nil, fmt.Errorf("missing multipart boundary: %w", oyster.ErrBadRequest)
	}
	boundary := []byte("--" + m[1])

	for _, part := range bytes.Split(body, boundary) {
		part = bytes.TrimPrefix(part, []byte("\r\n"))
		if len(part) == 0 || bytes.HasPrefix(part, []byte("--")) {
			continue
		}
		headerBlock, payload, found := bytes.Cut(part, []byte("\r\n\r\n"))
		if !found {
			continue
		}
		disposition := partDisposition(headerBlock)
		if disposition == "" {
			continue
		}
		nm := namePattern.FindStringSubmatch(disposition)
		if nm == nil || nm[1] != "file" {
			continue
		}

		name := "upload.bin"
		if fm := filenamePattern.FindStringSubmatch(disposition); fm != nil && fm[1] != "" {
			name = baseName(fm[1])
		}
		payload = bytes.TrimSuffix(payload, []byte("\r\n"))
		return name, payload, nil
	}
	return "", nil, fmt.Errorf(`multipart field "file" not found: %w`, oyster.ErrBadRequest)
}

// partDisposition returns the Content-Disposition header line of a part, or "".
func partDisposition(headerBlock []byte) string {
	for _, line := range strings.Split(string(headerBlock), "\r\n") {
		key, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(key), "Content-Disposition") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// baseName strips any path components, both separators. Uploads carrying
// traversal attempts like "../../etc/passwd" reduce to the final segment.
func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "upload.bin"
	}
	return name
}
