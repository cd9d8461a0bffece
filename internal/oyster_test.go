package oyster

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewTokenString(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 100 {
		tok := NewTokenString()
		if !strings.HasPrefix(tok, TokenPrefix) {
			t.Fatalf("token %q missing prefix %q", tok, TokenPrefix)
		}
		// 24 bytes -> 32 chars of unpadded base64url.
		if got := len(tok) - len(TokenPrefix); got != 32 {
			t.Fatalf("token body length = %d, want 32", got)
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token %q contains non-url-safe characters", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestDeviceTokenExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		exp  *time.Time
		want bool
	}{
		{"never expires", nil, false},
		{"future", &future, false},
		{"past", &past, true},
		{"exactly now", &now, true},
	}
	for _, tt := range tests {
		tok := &DeviceToken{ExpiresAt: tt.exp}
		if got := tok.Expired(now); got != tt.want {
			t.Errorf("%s: Expired = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Tier
		ok   bool
	}{
		{"free", TierFree, true},
		{"basic", TierFree, true},
		{"pro", TierPro, true},
		{"plus", TierPro, true},
		{"premium", TierPro, true},
		{"max", TierMax, true},
		{"enterprise", TierMax, true},
		{"gold", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeTier(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeTier(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTierLevelsAndLimits(t *testing.T) {
	t.Parallel()

	if !(TierFree.Level() < TierPro.Level() && TierPro.Level() < TierMax.Level()) {
		t.Fatal("tier levels are not strictly ordered")
	}
	if l := TierFree.Limits(); l.MaxContextTokens != 8_000 || l.MaxOutputTokens != 2048 || l.DailyTokens != 60_000 {
		t.Errorf("free limits = %+v", l)
	}
	if l := TierPro.Limits(); l.MaxContextTokens != 32_000 || l.MaxOutputTokens != 1024 || l.DailyTokens != 600_000 {
		t.Errorf("pro limits = %+v", l)
	}
	if l := Tier("bogus").Limits(); l != tierLimits[TierFree] {
		t.Errorf("unknown tier limits = %+v, want free", l)
	}
}

func TestDefaultProvider(t *testing.T) {
	t.Parallel()

	if got := DefaultProvider(TierFree); got != "kimi" {
		t.Errorf("free -> %q, want kimi", got)
	}
	if got := DefaultProvider(TierPro); got != "kimi" {
		t.Errorf("pro -> %q, want kimi", got)
	}
	if got := DefaultProvider(TierMax); got != "claude" {
		t.Errorf("max -> %q, want claude", got)
	}
}

func TestContentJSONRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("string", func(t *testing.T) {
		t.Parallel()
		b, err := json.Marshal(TextContent("hello"))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != `"hello"` {
			t.Fatalf("marshal = %s", b)
		}
		var c Content
		if err := json.Unmarshal(b, &c); err != nil {
			t.Fatal(err)
		}
		if c.IsParts() || c.Text != "hello" {
			t.Fatalf("round trip = %+v", c)
		}
	})

	t.Run("parts", func(t *testing.T) {
		t.Parallel()
		in := PartsContent([]Part{
			{Text: "look at this"},
			{MIME: "image/png", Data: []byte{1, 2, 3}},
		})
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		s := string(b)
		if !strings.Contains(s, `"type":"text"`) || !strings.Contains(s, `"look at this"`) {
			t.Fatalf("missing text part: %s", s)
		}
		if !strings.Contains(s, `data:image/png;base64,AQID`) {
			t.Fatalf("missing image data url: %s", s)
		}

		var c Content
		if err := json.Unmarshal(b, &c); err != nil {
			t.Fatal(err)
		}
		if !c.IsParts() || len(c.Parts) != 2 {
			t.Fatalf("round trip = %+v", c)
		}
		if c.Parts[0].Text != "look at this" {
			t.Errorf("text part = %+v", c.Parts[0])
		}
		if !strings.HasPrefix(c.Parts[1].URL, "data:image/png;base64,") {
			t.Errorf("image part = %+v", c.Parts[1])
		}
	})
}

func TestContentPlainText(t *testing.T) {
	t.Parallel()

	if got := TextContent("abc").PlainText(); got != "abc" {
		t.Errorf("PlainText = %q", got)
	}
	c := PartsContent([]Part{{Text: "a"}, {MIME: "image/png", Data: []byte{0}}, {Text: "b"}})
	if got := c.PlainText(); got != "ab" {
		t.Errorf("PlainText = %q, want text parts only", got)
	}
}
