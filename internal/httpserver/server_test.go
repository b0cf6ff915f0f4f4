package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicebridge/voicebridge/internal/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, logger, BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"})

	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]any
	if status := getJSON(t, ts, "/healthz", &body); status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}
	if body["ok"] != true {
		t.Fatalf("body=%v, want ok=true", body)
	}
}

func TestReadyz_NotServing(t *testing.T) {
	_, ts := newTestServer(t)

	// Serve was never called, so the server reports not ready.
	if status := getJSON(t, ts, "/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", status)
	}
}

func TestReadyz_ReadyCheck(t *testing.T) {
	s, ts := newTestServer(t)
	s.ready.Store(true)

	checkErr := errors.New("engine not running")
	s.SetReadyCheck(func() error { return checkErr })

	var body map[string]any
	if status := getJSON(t, ts, "/readyz", &body); status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", status)
	}
	if body["error"] != "engine not running" {
		t.Fatalf("body=%v, want engine error", body)
	}

	checkErr = nil
	if status := getJSON(t, ts, "/readyz", nil); status != http.StatusOK {
		t.Fatalf("status=%d, want 200 once the check passes", status)
	}
}

func TestVersion(t *testing.T) {
	_, ts := newTestServer(t)

	var body BuildInfo
	if status := getJSON(t, ts, "/version", &body); status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}
	if body.Commit != "abc123" {
		t.Fatalf("commit=%q, want abc123", body.Commit)
	}
}

func TestRequestIDHeader(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID response header")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{name: "no origin header", origin: "", host: "example.com", want: true},
		{name: "same host no allowlist", origin: "https://example.com", host: "example.com", want: true},
		{name: "cross host no allowlist", origin: "https://evil.example", host: "example.com", want: false},
		{name: "allowlisted", origin: "https://app.example", host: "example.com", allowed: []string{"https://app.example"}, want: true},
		{name: "allowlist normalizes default port", origin: "https://app.example:443", host: "example.com", allowed: []string{"https://app.example"}, want: true},
		{name: "not allowlisted", origin: "https://other.example", host: "example.com", allowed: []string{"https://app.example"}, want: false},
		{name: "garbage origin", origin: "not a url", host: "example.com", allowed: []string{"https://app.example"}, want: false},
		{name: "non-http scheme", origin: "ftp://app.example", host: "example.com", allowed: []string{"ftp://app.example"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := CheckOrigin(r, tt.allowed); got != tt.want {
				t.Fatalf("CheckOrigin(%q)=%v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
