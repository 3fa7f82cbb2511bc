package vault

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

func generateID() string {
	return "cred_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// hostOf extracts the host portion of a URL the way the original policy
// does: strip a scheme prefix, then take everything before the first '/'.
func hostOf(raw string) string {
	host := raw
	if after, ok := strings.CutPrefix(host, "https://"); ok {
		host = after
	} else if after, ok := strings.CutPrefix(host, "http://"); ok {
		host = after
	}
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	return host
}

// isPrivateHost reports whether host resolves to localhost or an RFC1918
// private range, rejected before any pattern is tested (spec §8 invariant
// 5).
func isPrivateHost(host string) bool {
	h := host
	if idx := strings.IndexByte(h, ':'); idx >= 0 {
		h = h[:idx]
	}
	switch {
	case h == "localhost":
		return true
	case strings.HasPrefix(h, "127."):
		return true
	case strings.HasPrefix(h, "10."):
		return true
	case strings.HasPrefix(h, "192.168."):
		return true
	default:
		if strings.HasPrefix(h, "172.") {
			parts := strings.SplitN(h, ".", 3)
			if len(parts) >= 2 {
				if n := parseOctet(parts[1]); n >= 16 && n <= 31 {
					return true
				}
			}
		}
	}
	return false
}

func parseOctet(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// urlMatchesPattern implements the three URL Pattern forms from spec §3:
// exact host, left-wildcard ("*.example.com"), and full-URL-prefix
// ("https://api.x.com/*"). file:// URLs are accepted outright.
func urlMatchesPattern(raw, pattern string) bool {
	if strings.HasPrefix(raw, "file://") {
		return true
	}

	host := hostOf(raw)

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}

	if strings.Contains(pattern, "://") {
		normalized := strings.ReplaceAll(pattern, "*", "")
		return strings.HasPrefix(raw, normalized) || strings.Contains(raw, normalized)
	}

	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// isAllowedURL reports whether url is eligible for pattern matching at
// all: parseable and not pointing at localhost or a private range.
func isAllowedURL(raw string) bool {
	if strings.HasPrefix(raw, "file://") {
		return true
	}
	host := hostOf(raw)
	if host == "" {
		return false
	}
	if isPrivateHost(host) {
		return false
	}
	if _, err := url.Parse(raw); err != nil {
		return false
	}
	return true
}
