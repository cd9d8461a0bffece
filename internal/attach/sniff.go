package attach

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Allowed MIME sets. Images and documents carry different size caps.
var (
	allowedImages = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	}
	allowedFiles = map[string]bool{
		"application/pdf":  true,
		"text/plain":       true,
		"text/csv":         true,
		"application/json": true,
		"text/markdown":    true,
	}
)

var extMIME = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".json":     "application/json",
	".txt":      "text/plain",
}

// mimeExt maps each allowed MIME to its canonical on-disk extension. Stored
// names derive from the sniffed type, never from the client filename.
var mimeExt = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"application/pdf":  ".pdf",
	"text/plain":       ".txt",
	"text/csv":         ".csv",
	"application/json": ".json",
	"text/markdown":    ".md",
}

// IsImage reports whether the MIME is in the allowed image set.
func IsImage(mime string) bool { return allowedImages[mime] }

// IsAllowedFile reports whether the MIME is in the allowed document set.
func IsAllowedFile(mime string) bool { return allowedFiles[mime] }

// DetectMIME sniffs the payload type: magic bytes first, then extension,
// then a UTF-8 text probe, falling back to application/octet-stream.
func DetectMIME(name string, data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return "application/pdf"
	}

	if ext := strings.ToLower(fileExt(name)); ext != "" {
		if mime, ok := extMIME[ext]; ok {
			return mime
		}
	}

	if mime := probeText(data); mime != "" {
		return mime
	}
	return "application/octet-stream"
}

// probeText inspects up to 4 KiB: valid UTF-8 without NUL bytes reads as
// text; a {- or [-prefixed payload reads as JSON.
func probeText(data []byte) string {
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
		// A multi-byte rune split at the cut would fail validation even for
		// clean text; back off to the last rune boundary.
		for len(sample) > 0 && !utf8.Valid(sample) {
			sample = sample[:len(sample)-1]
			if len(sample) < 4093 {
				return ""
			}
		}
	}
	if !utf8.Valid(sample) || bytes.IndexByte(sample, 0) >= 0 {
		return ""
	}

	head := data
	if len(head) > 2048 {
		head = head[:2048]
	}
	trimmed := strings.TrimSpace(string(head))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "text/plain"
}

var extPattern = regexp.MustCompile(`\.[A-Za-z0-9]{1,10}$`)

// fileExt returns the trailing extension when it is a short alphanumeric
// suffix, else "". Odd or oversized extensions never reach the filesystem.
func fileExt(name string) string {
	return extPattern.FindString(name)
}
