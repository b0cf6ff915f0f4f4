package conference

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/voicebridge/voicebridge/internal/engine"
	"github.com/voicebridge/voicebridge/internal/metrics"
)

// Peer is one connected client. Requests from a single connection are
// dispatched serially, but engine callbacks (producer-close propagation) and
// other peers' broadcasts arrive concurrently, so all mutable state sits
// behind the peer mutex.
//
// The mutex is never held across an engine call or a registry call: handlers
// validate and snapshot under the lock, do the slow work unlocked, then
// re-lock to commit.
type Peer struct {
	id       string
	log      *slog.Logger
	engine   engine.Engine
	registry *Registry
	metrics  *metrics.Metrics
	notifier Notifier

	mu            sync.Mutex
	closed        bool
	capsFetched   bool
	room          *Room
	sendTransport engine.Transport
	recvTransport engine.Transport
	producer      engine.Producer
	consumers     map[string]engine.Consumer
}

// NewPeer creates a peer attached to this registry. The id must be unique
// per connection; the notifier is the peer's own signaling connection.
func (reg *Registry) NewPeer(id string, eng engine.Engine, notifier Notifier) *Peer {
	return &Peer{
		id:        id,
		log:       reg.log.With("peer_id", id),
		engine:    eng,
		registry:  reg,
		metrics:   reg.metrics,
		notifier:  notifier,
		consumers: map[string]engine.Consumer{},
	}
}

func (p *Peer) ID() string { return p.id }

// RouterCapabilities returns the engine's router RTP capabilities and marks
// the capability exchange as done, unlocking joinRoom.
func (p *Peer) RouterCapabilities() (json.RawMessage, error) {
	caps, err := p.engine.RouterCapabilities()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPeerClosed
	}
	p.capsFetched = true
	return caps, nil
}

// JoinRoom puts the peer into a room, creating it on first join, and returns
// summaries of the members that were already there.
func (p *Peer) JoinRoom(roomID string) ([]PeerSummary, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrPeerClosed
	case !p.capsFetched:
		p.mu.Unlock()
		return nil, ErrCapabilitiesNotFetched
	case p.room != nil:
		p.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}
	p.mu.Unlock()

	room, others, err := p.registry.join(p, roomID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.registry.leave(p, room)
		return nil, ErrPeerClosed
	}
	p.room = room
	p.mu.Unlock()
	return others, nil
}

// CreateTransport allocates the peer's transport for one direction. A peer
// owns at most one transport per direction.
func (p *Peer) CreateTransport(ctx context.Context, dir engine.Direction) (engine.TransportInfo, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return engine.TransportInfo{}, ErrPeerClosed
	case p.room == nil:
		p.mu.Unlock()
		return engine.TransportInfo{}, ErrNotInRoom
	case dir == engine.DirectionSend && p.sendTransport != nil,
		dir == engine.DirectionRecv && p.recvTransport != nil:
		p.mu.Unlock()
		return engine.TransportInfo{}, ErrTransportExists
	}
	p.mu.Unlock()

	t, err := p.engine.CreateTransport(ctx, dir, map[string]any{"peerId": p.id})
	if err != nil {
		return engine.TransportInfo{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.Close()
		return engine.TransportInfo{}, ErrPeerClosed
	}
	if dir == engine.DirectionSend {
		p.sendTransport = t
	} else {
		p.recvTransport = t
	}
	p.mu.Unlock()

	p.log.Debug("transport created", "transport_id", t.ID(), "direction", string(dir))
	return t.Info(), nil
}

// ConnectTransport completes the DTLS handshake on one of the peer's own
// transports.
func (p *Peer) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	var t engine.Transport
	switch {
	case p.sendTransport != nil && p.sendTransport.ID() == transportID:
		t = p.sendTransport
	case p.recvTransport != nil && p.recvTransport.ID() == transportID:
		t = p.recvTransport
	}
	p.mu.Unlock()

	if t == nil {
		return ErrTransportNotFound
	}
	return t.Connect(ctx, dtlsParameters)
}

// Produce registers the peer's outbound audio stream and announces it to the
// rest of the room. A peer has at most one producer; a second produce is
// rejected rather than replacing the first.
func (p *Peer) Produce(ctx context.Context, kind string, rtpParameters json.RawMessage) (string, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return "", ErrPeerClosed
	case p.room == nil:
		p.mu.Unlock()
		return "", ErrNotInRoom
	case p.sendTransport == nil:
		p.mu.Unlock()
		return "", ErrNoSendTransport
	case p.producer != nil:
		p.mu.Unlock()
		return "", ErrAlreadyProducing
	}
	st := p.sendTransport
	room := p.room
	p.mu.Unlock()

	producer, err := st.Produce(ctx, kind, rtpParameters, map[string]any{"peerId": p.id})
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		producer.Close()
		return "", ErrPeerClosed
	}
	p.producer = producer
	p.mu.Unlock()

	producer.OnTransportClose(func() {
		p.dropProducer(producer, st)
	})

	p.metrics.Inc(metrics.Produce)
	p.log.Info("producer created", "producer_id", producer.ID(), "kind", producer.Kind())

	p.registry.broadcastNewProducer(room, ProducerInfo{
		PeerID:     p.id,
		ProducerID: producer.ID(),
		Kind:       producer.Kind(),
	})
	return producer.ID(), nil
}

// CloseProducer stops producing. The engine propagates the close to every
// consumer of this producer; their owners each get a consumerClosed
// notification.
func (p *Peer) CloseProducer() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	producer := p.producer
	p.producer = nil
	p.mu.Unlock()

	if producer == nil {
		return ErrNotProducing
	}
	p.log.Info("producer closed", "producer_id", producer.ID())
	return producer.Close()
}

// ConsumeResult is what a client needs to receive one producer's media.
type ConsumeResult struct {
	ConsumerID    string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// Consume creates a paused consumer on the peer's receive transport for a
// producer owned by another member of the same room. The client must call
// resumeConsumer once its receiving side is ready.
func (p *Peer) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (ConsumeResult, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ConsumeResult{}, ErrPeerClosed
	case p.room == nil:
		p.mu.Unlock()
		return ConsumeResult{}, ErrNotInRoom
	case p.recvTransport == nil:
		p.mu.Unlock()
		return ConsumeResult{}, ErrNoRecvTransport
	}
	rt := p.recvTransport
	room := p.room
	p.mu.Unlock()

	if !p.registry.hasProducer(room, p.id, producerID) {
		return ConsumeResult{}, ErrProducerNotFound
	}
	if !p.engine.CanConsume(producerID, rtpCapabilities) {
		return ConsumeResult{}, ErrCannotConsume
	}

	consumer, err := rt.Consume(ctx, producerID, rtpCapabilities)
	if err != nil {
		return ConsumeResult{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		consumer.Close()
		return ConsumeResult{}, ErrPeerClosed
	}
	p.consumers[consumer.ID()] = consumer
	p.mu.Unlock()

	consumerID := consumer.ID()
	consumer.OnProducerClose(func() {
		p.closeConsumer(consumerID)
	})
	consumer.OnTransportClose(func() {
		p.dropRecvTransport(rt)
		p.closeConsumer(consumerID)
	})

	p.metrics.Inc(metrics.Consume)
	p.log.Debug("consumer created", "consumer_id", consumerID, "producer_id", producerID)

	return ConsumeResult{
		ConsumerID:    consumerID,
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

// ResumeConsumer unpauses one of the peer's own consumers.
func (p *Peer) ResumeConsumer(ctx context.Context, consumerID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	c := p.consumers[consumerID]
	p.mu.Unlock()

	if c == nil {
		return ErrConsumerNotFound
	}
	return c.Resume(ctx)
}

// Producers lists the active producers of the other members of the peer's
// room. Outside a room it returns an empty list, not an error.
func (p *Peer) Producers() []ProducerInfo {
	p.mu.Lock()
	room := p.room
	p.mu.Unlock()

	if room == nil {
		return []ProducerInfo{}
	}
	return p.registry.producers(room, p.id)
}

// closeConsumer removes a consumer and notifies the owner exactly once.
// Removing from the map before notifying is what guarantees exactly-once:
// whichever of the producer-close callback and the disconnect cascade gets
// there first wins, the other finds nothing.
func (p *Peer) closeConsumer(consumerID string) {
	p.mu.Lock()
	c, ok := p.consumers[consumerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.consumers, consumerID)
	closed := p.closed
	p.mu.Unlock()

	c.Close()
	p.metrics.Inc(metrics.ConsumerClosed)

	if !closed {
		if err := p.notifier.Notify(EventConsumerClosed, ConsumerClosed{ConsumerID: consumerID}); err != nil {
			p.metrics.Inc(metrics.BroadcastDropped)
		}
	}
}

// dropProducer returns the peer to the non-producing state when the engine
// reports the send transport gone, taking the producer with it. Downstream
// consumers are cleaned up by their own producer-close callbacks; this frees
// the owner's slots so it can rebuild and produce again. The guard against a
// newer producer keeps the callback from clobbering a replacement created
// after the loss.
func (p *Peer) dropProducer(producer engine.Producer, transport engine.Transport) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	dropped := p.producer == producer
	if dropped {
		p.producer = nil
	}
	if p.sendTransport == transport {
		p.sendTransport = nil
	}
	p.mu.Unlock()

	if dropped {
		p.log.Info("producer lost with its transport", "producer_id", producer.ID())
	}
}

// dropRecvTransport clears the receive transport slot after the engine closed
// it, so the peer can create a fresh one. Fired once per consumer riding the
// dead transport; only the first call changes anything.
func (p *Peer) dropRecvTransport(transport engine.Transport) {
	p.mu.Lock()
	if !p.closed && p.recvTransport == transport {
		p.recvTransport = nil
	}
	p.mu.Unlock()
}

// producerInfo is called by the registry with its lock held; it only takes
// the peer mutex, preserving the registry→peer lock order.
func (p *Peer) producerInfo() (ProducerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer == nil {
		return ProducerInfo{}, false
	}
	return ProducerInfo{
		PeerID:     p.id,
		ProducerID: p.producer.ID(),
		Kind:       p.producer.Kind(),
	}, true
}

// Close runs the disconnect cascade: producer, then consumers, then
// transports, then room membership (deleting the room if it became empty and
// broadcasting userLeft). Idempotent; a second call is a no-op.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	producer := p.producer
	p.producer = nil
	consumers := p.consumers
	p.consumers = map[string]engine.Consumer{}
	st, rt := p.sendTransport, p.recvTransport
	p.sendTransport, p.recvTransport = nil, nil
	room := p.room
	p.room = nil
	p.mu.Unlock()

	if producer != nil {
		producer.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if st != nil {
		st.Close()
	}
	if rt != nil {
		rt.Close()
	}
	if room != nil {
		p.registry.leave(p, room)
	}

	p.metrics.Inc(metrics.PeerDisconnected)
	p.log.Info("peer closed")
}
