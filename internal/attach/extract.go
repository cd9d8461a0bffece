package attach

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxExtractedChars bounds stored extracted text.
const maxExtractedChars = 50_000

// ExtractText pulls indexable text out of an upload: text-class payloads are
// decoded as UTF-8 with replacement, PDFs get best-effort page extraction,
// images yield nothing.
func ExtractText(mime string, data []byte) string {
	switch {
	case mime == "application/pdf":
		return truncateChars(extractPDF(data), maxExtractedChars)
	case strings.HasPrefix(mime, "text/"), mime == "application/json":
		return truncateChars(strings.ToValidUTF8(string(data), "�"), maxExtractedChars)
	}
	return ""
}

// extractPDF walks the pages and concatenates their plain text with blank
// lines. A page that fails to extract is skipped, not fatal.
func extractPDF(data []byte) string {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.ReplaceAll(text, "\x00", "")
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n")
}

// truncateChars caps a string at n runes, not bytes, so a multi-byte rune is
// never split.
func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
