// Package sseutil provides helpers for reading server-sent event streams.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. Provider deltas are small; 64KB leaves
// generous headroom for oversized tool-call payloads.
const maxLineSize = 64 * 1024

// NewScanner returns a line scanner sized for SSE payloads.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	return sc
}

// ParseSSELine extracts the payload of a "data:" line. It returns ok=false
// for blank lines, comments, and non-data fields.
func ParseSSELine(line string) (payload string, ok bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	rest, found := strings.CutPrefix(line, "data:")
	if !found {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}
