package metrics

import "sync"

// Event names incremented by the signaling and conference layers.
const (
	PeerConnected    = "peer_connected"
	PeerDisconnected = "peer_disconnected"
	RoomCreated      = "room_created"
	RoomDeleted      = "room_deleted"
	Produce          = "produce"
	Consume          = "consume"
	ConsumerClosed   = "consumer_closed"
	BroadcastDropped = "broadcast_dropped"
	RequestTimeout   = "request_timeout"
	RateLimited      = "rate_limited"
	RoomFull         = "room_full"
	TooManyRooms     = "too_many_rooms"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the conference/signaling logic testable (tests read counters
// directly) while still being scrapable via the /metrics text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
