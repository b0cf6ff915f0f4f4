package conference

// Event names pushed server→client. The signaling layer serializes the
// payload structs below into notification frames.
const (
	EventUserJoined     = "userJoined"
	EventUserLeft       = "userLeft"
	EventNewProducer    = "newProducer"
	EventConsumerClosed = "consumerClosed"
)

// Notifier delivers one notification to a single peer's connection. Delivery
// is best-effort: a returned error means the notification was dropped (the
// connection is gone or backed up), never that room state should roll back.
type Notifier interface {
	Notify(event string, data any) error
}

// PeerSummary identifies one room member.
type PeerSummary struct {
	ID string `json:"id"`
}

// ProducerInfo identifies one active producer and its owner.
type ProducerInfo struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

type UserJoined struct {
	PeerID string        `json:"peerId"`
	Peers  []PeerSummary `json:"peers"`
}

type UserLeft struct {
	PeerID string `json:"peerId"`
}

type NewProducer struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

type ConsumerClosed struct {
	ConsumerID string `json:"consumerId"`
}
