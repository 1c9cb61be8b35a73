package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeDeviceID(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"valid", "dev:alice-aaaa", "dev:alice-aaaa"},
		{"uppercase is lowered", "Dev:Alice-AAAA", "dev:alice-aaaa"},
		{"surrounding space", "  dev.bob_1  ", "dev.bob_1"},
		{"empty", "", ""},
		{"forbidden chars", "dev alice", ""},
		{"slash", "dev/alice", ""},
		{"too long", strings.Repeat("a", 81), ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeDeviceID(tc.in); got != tc.want {
				t.Errorf("NormalizeDeviceID(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeDeviceName(t *testing.T) {
	if got := NormalizeDeviceName("  My   Phone \t 12 "); got != "My Phone 12" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
	if got := NormalizeDeviceName(strings.Repeat("x", 100)); len([]rune(got)) != 64 {
		t.Errorf("expected truncation to 64 runes, got %d", len([]rune(got)))
	}
	if got := NormalizeDeviceName("   "); got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID("192.168.1.10", "dev:alice-aaaa"); got != "dev:alice-aaaa" {
		t.Errorf("expected declared id to win, got %q", got)
	}
	if got := ClientID("192.168.1.10", ""); got != "ip-192.168.1.10" {
		t.Errorf("expected ip fallback, got %q", got)
	}
	if got := ClientID("192.168.1.10", "!!bad!!"); got != "ip-192.168.1.10" {
		t.Errorf("expected ip fallback for malformed id, got %q", got)
	}
}

func TestNormalizeRecipientID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"dev:bob-bbbb", "dev:bob-bbbb"},
		// A bare IP is itself a well-formed id and passes through unchanged.
		{"192.168.1.22", "192.168.1.22"},
		{"", ""},
		{"not an ip or id!", ""},
	}
	for _, tc := range cases {
		if got := NormalizeRecipientID(tc.in); got != tc.want {
			t.Errorf("NormalizeRecipientID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeIP(t *testing.T) {
	if got := NormalizeIP("::ffff:192.168.1.4"); got != "192.168.1.4" {
		t.Errorf("expected mapped prefix stripped, got %q", got)
	}
	if got := NormalizeIP("  "); got != "unknown" {
		t.Errorf("expected unknown for blank input, got %q", got)
	}
}

func TestClientIPFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.168.1.30:51234"
	if got := ClientIPFromRequest(r); got != "192.168.1.30" {
		t.Errorf("expected remote addr host, got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "10.1.2.3, 192.168.1.1")
	if got := ClientIPFromRequest(r); got != "10.1.2.3" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}

func TestCleanKeyFingerprint(t *testing.T) {
	if got := CleanKeyFingerprint(" AB:CD-12 "); got != "ab:cd-12" {
		t.Errorf("expected lowercased fingerprint, got %q", got)
	}
	if got := CleanKeyFingerprint("zz:11"); got != "" {
		t.Errorf("expected rejection of non-hex, got %q", got)
	}
	if got := CleanKeyFingerprint(strings.Repeat("a", 257)); got != "" {
		t.Errorf("expected rejection of oversized fingerprint, got %q", got)
	}
}
