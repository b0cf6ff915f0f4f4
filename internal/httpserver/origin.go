package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// CheckOrigin reports whether a browser Origin header is acceptable for the
// given request. An empty Origin (non-browser client) is always accepted.
// With no configured allowlist, only same-host origins are accepted.
func CheckOrigin(r *http.Request, allowed []string) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}

	normalized, host, ok := normalizeOrigin(raw)
	if !ok {
		return false
	}

	if len(allowed) == 0 {
		return strings.EqualFold(host, r.Host)
	}
	for _, a := range allowed {
		if an, _, ok := normalizeOrigin(a); ok && an == normalized {
			return true
		}
	}
	return false
}

// normalizeOrigin lowercases the scheme and host and strips default ports, so
// "https://App.Example:443" and "https://app.example" compare equal.
func normalizeOrigin(raw string) (normalized, host string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	h := strings.ToLower(u.Host)
	if scheme == "http" {
		h = strings.TrimSuffix(h, ":80")
	} else {
		h = strings.TrimSuffix(h, ":443")
	}

	return scheme + "://" + h, h, true
}
