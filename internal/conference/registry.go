package conference

import (
	"log/slog"
	"sync"

	"github.com/voicebridge/voicebridge/internal/metrics"
)

// Registry is the process-wide room table. One mutex guards both the room
// map and every room's membership, so a join can never race into a room that
// is being deleted for emptiness.
//
// Lock ordering: Registry.mu may be held while taking a Peer's mutex (for
// producer snapshots), never the other way around.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	// maxRooms and maxPeersPerRoom are capacity limits; <= 0 means unlimited.
	maxRooms        int
	maxPeersPerRoom int

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics, maxRooms, maxPeersPerRoom int) *Registry {
	return &Registry{
		log:             logger,
		metrics:         m,
		maxRooms:        maxRooms,
		maxPeersPerRoom: maxPeersPerRoom,
		rooms:           map[string]*Room{},
	}
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// PeerCount returns the number of members in a room, or 0 if the room does
// not exist.
func (reg *Registry) PeerCount(roomID string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.peers)
}

// join adds p to the room, creating it on first join. It returns summaries of
// the members that were already present and broadcasts userJoined to them.
func (reg *Registry) join(p *Peer, roomID string) (*Room, []PeerSummary, error) {
	reg.mu.Lock()

	room, ok := reg.rooms[roomID]
	created := false
	if !ok {
		if reg.maxRooms > 0 && len(reg.rooms) >= reg.maxRooms {
			reg.mu.Unlock()
			reg.metrics.Inc(metrics.TooManyRooms)
			return nil, nil, ErrTooManyRooms
		}
		room = newRoom(roomID)
		reg.rooms[roomID] = room
		created = true
	} else if reg.maxPeersPerRoom > 0 && len(room.peers) >= reg.maxPeersPerRoom {
		reg.mu.Unlock()
		reg.metrics.Inc(metrics.RoomFull)
		return nil, nil, ErrRoomFull
	}

	others := room.summaries(p.id)
	targets := room.notifiers(p.id)
	room.peers[p.id] = p
	all := room.summaries("")

	reg.mu.Unlock()

	if created {
		reg.metrics.Inc(metrics.RoomCreated)
		reg.log.Info("room created", "room_id", roomID)
	}
	reg.log.Info("peer joined room", "room_id", roomID, "peer_id", p.id, "members", len(all))

	reg.notify(targets, EventUserJoined, UserJoined{PeerID: p.id, Peers: all})
	return room, others, nil
}

// leave removes p from room, deletes the room if it became empty, and
// broadcasts userLeft to the remaining members. Safe to call when p has
// already been removed.
func (reg *Registry) leave(p *Peer, room *Room) {
	reg.mu.Lock()

	if reg.rooms[room.id] != room {
		reg.mu.Unlock()
		return
	}
	if _, ok := room.peers[p.id]; !ok {
		reg.mu.Unlock()
		return
	}
	delete(room.peers, p.id)

	deleted := false
	if len(room.peers) == 0 {
		delete(reg.rooms, room.id)
		deleted = true
	}
	targets := room.notifiers("")

	reg.mu.Unlock()

	reg.log.Info("peer left room", "room_id", room.id, "peer_id", p.id)
	if deleted {
		reg.metrics.Inc(metrics.RoomDeleted)
		reg.log.Info("room deleted", "room_id", room.id)
	}

	reg.notify(targets, EventUserLeft, UserLeft{PeerID: p.id})
}

// producers lists the active producers of every member of room except self.
func (reg *Registry) producers(room *Room, selfID string) []ProducerInfo {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rooms[room.id] != room {
		return nil
	}

	out := []ProducerInfo{}
	for id, member := range room.peers {
		if id == selfID {
			continue
		}
		if info, ok := member.producerInfo(); ok {
			out = append(out, info)
		}
	}
	return out
}

// hasProducer reports whether producerID belongs to a member of room other
// than self.
func (reg *Registry) hasProducer(room *Room, selfID, producerID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rooms[room.id] != room {
		return false
	}
	for id, member := range room.peers {
		if id == selfID {
			continue
		}
		if info, ok := member.producerInfo(); ok && info.ProducerID == producerID {
			return true
		}
	}
	return false
}

// broadcastNewProducer tells everyone else in the room about a producer that
// just appeared.
func (reg *Registry) broadcastNewProducer(room *Room, info ProducerInfo) {
	reg.mu.Lock()
	if reg.rooms[room.id] != room {
		reg.mu.Unlock()
		return
	}
	targets := room.notifiers(info.PeerID)
	reg.mu.Unlock()

	reg.notify(targets, EventNewProducer, NewProducer(info))
}

// notify delivers one event to each target, swallowing per-target failures.
// A dead connection must never block or fail the room mutation that
// triggered the broadcast.
func (reg *Registry) notify(targets []Notifier, event string, data any) {
	for _, n := range targets {
		if err := n.Notify(event, data); err != nil {
			reg.metrics.Inc(metrics.BroadcastDropped)
			reg.log.Debug("notification dropped", "event", event, "err", err)
		}
	}
}
