package sseutil

import (
	"strings"
	"testing"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		payload string
		ok      bool
	}{
		{"data: {\"a\":1}", `{"a":1}`, true},
		{"data:{\"a\":1}", `{"a":1}`, true},
		{"data: [DONE]", "[DONE]", true},
		{"", "", false},
		{": keepalive", "", false},
		{"event: message", "", false},
		{"id: 42", "", false},
	}
	for _, tt := range tests {
		payload, ok := ParseSSELine(tt.line)
		if payload != tt.payload || ok != tt.ok {
			t.Errorf("ParseSSELine(%q) = %q, %v; want %q, %v", tt.line, payload, ok, tt.payload, tt.ok)
		}
	}
}

func TestScannerLongLine(t *testing.T) {
	t.Parallel()

	// A line beyond bufio's default 64KB token would fail with the stock
	// scanner; ours must carry it.
	long := "data: " + strings.Repeat("a", 60_000)
	sc := NewScanner(strings.NewReader(long + "\n\n"))
	if !sc.Scan() {
		t.Fatalf("scan failed: %v", sc.Err())
	}
	if sc.Text() != long {
		t.Errorf("long line truncated to %d bytes", len(sc.Text()))
	}
}
