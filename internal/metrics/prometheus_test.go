package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(PeerConnected)
	m.Inc(PeerConnected)
	m.Inc(RoomCreated)

	srv := httptest.NewServer(PrometheusHandler(m))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type=%q, want text/plain", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)

	if !strings.Contains(text, `voicebridge_events_total{event="peer_connected"} 2`) {
		t.Fatalf("missing peer_connected counter in:\n%s", text)
	}
	if !strings.Contains(text, `voicebridge_events_total{event="room_created"} 1`) {
		t.Fatalf("missing room_created counter in:\n%s", text)
	}
}

func TestMetrics_NilSafeInc(t *testing.T) {
	var m *Metrics
	m.Inc(Produce) // must not panic
	if got := m.Get(Produce); got != 0 {
		t.Fatalf("Get on nil metrics=%d, want 0", got)
	}
}
