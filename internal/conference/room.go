package conference

import "sort"

// Room is a set of peers sharing a conference. Its fields are guarded by the
// owning Registry's mutex; peers never hold a Room's state directly, only a
// pointer used as a handle back into the registry.
type Room struct {
	id    string
	peers map[string]*Peer
}

func newRoom(id string) *Room {
	return &Room{
		id:    id,
		peers: map[string]*Peer{},
	}
}

func (r *Room) ID() string { return r.id }

// summaries lists the members except excludeID, sorted by peer id so payloads
// are deterministic. Pass "" to include everyone.
func (r *Room) summaries(excludeID string) []PeerSummary {
	out := []PeerSummary{}
	for id := range r.peers {
		if id == excludeID {
			continue
		}
		out = append(out, PeerSummary{ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// notifiers snapshots the members' connections except excludeID, for
// broadcasting outside the registry lock.
func (r *Room) notifiers(excludeID string) []Notifier {
	out := make([]Notifier, 0, len(r.peers))
	for id, p := range r.peers {
		if id == excludeID {
			continue
		}
		out = append(out, p.notifier)
	}
	return out
}
