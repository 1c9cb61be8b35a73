// Package identity derives device identities for incoming connections and
// requests. A device is identified by a client-declared device id when one is
// present, falling back to the observed network address. Device ids are
// unverified; this is best-effort identity for a trusted LAN, not auth.
package identity

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	maxDeviceIDLen   = 80
	maxDeviceNameLen = 64
)

var (
	deviceIDPattern = regexp.MustCompile(`^[a-z0-9:._-]+$`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// NormalizeIP canonicalizes a transport-reported address: trims, strips the
// IPv4-mapped IPv6 prefix, and maps empty input to "unknown".
func NormalizeIP(raw string) string {
	ip := strings.TrimSpace(raw)
	if ip == "" {
		return "unknown"
	}
	if rest, ok := strings.CutPrefix(ip, "::ffff:"); ok {
		return rest
	}
	return ip
}

// NormalizeDeviceID validates a client-declared device id. It returns the
// lowercased id, or "" when the value is missing or malformed.
func NormalizeDeviceID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" || len(id) > maxDeviceIDLen {
		return ""
	}
	if !deviceIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// NormalizeDeviceName collapses whitespace and truncates to a display-safe
// length. Returns "" for empty input.
func NormalizeDeviceName(raw string) string {
	name := whitespaceRun.ReplaceAllString(strings.TrimSpace(raw), " ")
	if name == "" {
		return ""
	}
	runes := []rune(name)
	if len(runes) > maxDeviceNameLen {
		name = string(runes[:maxDeviceNameLen])
	}
	return name
}

// ClientID picks the stable identity for a connection: the declared device id
// when valid, otherwise an address-derived fallback for old clients.
func ClientID(networkIP, declaredID string) string {
	if id := NormalizeDeviceID(declaredID); id != "" {
		return id
	}
	return "ip-" + networkIP
}

// NormalizeRecipientID resolves a recipient reference to a client id.
// Device ids are preferred; legacy clients may still address peers by bare
// IP, which maps to the same ip- fallback used by ClientID. Returns "" when
// the value resolves to nothing.
func NormalizeRecipientID(raw string) string {
	if id := NormalizeDeviceID(raw); id != "" {
		return id
	}
	ip := NormalizeIP(raw)
	if ip == "unknown" {
		return ""
	}
	if net.ParseIP(ip) == nil {
		return ""
	}
	return "ip-" + ip
}

// ClientIPFromRequest resolves the peer network address of an HTTP request,
// honoring the first X-Forwarded-For hop when a reverse proxy is in front.
func ClientIPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return NormalizeIP(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return NormalizeIP(r.RemoteAddr)
	}
	return NormalizeIP(host)
}

// CleanKeyFingerprint validates a declared key fingerprint (lowercase hex
// with optional :/- separators). Returns "" when malformed.
func CleanKeyFingerprint(raw string) string {
	fp := strings.ToLower(strings.TrimSpace(raw))
	if fp == "" || len(fp) > 256 {
		return ""
	}
	for _, r := range fp {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r == ':' || r == '-':
		default:
			return ""
		}
	}
	return fp
}
