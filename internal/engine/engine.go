// Package engine abstracts the media engine (an SFU worker) behind a small
// interface. The signaling layer treats ICE, DTLS and RTP parameter blobs as
// opaque JSON: they originate in the client's media stack and terminate in
// the engine, so the server never needs to interpret them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotRunning is returned when the engine is unavailable (worker died,
// engine closed, or never started).
var ErrNotRunning = errors.New("media engine is not running")

// Direction distinguishes the two transports each peer creates: one for
// sending media to the engine and one for receiving media from it.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// TransportInfo carries everything a client needs to establish an ICE+DTLS
// connection to a server-side transport.
type TransportInfo struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
	SctpParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

// Engine owns the media worker and its router. One router carries every
// room's media; room isolation is a signaling concern (peers are only ever
// told about producers in their own room).
type Engine interface {
	// Ready returns nil while the engine can serve requests.
	Ready() error

	// RouterCapabilities returns the router's RTP capabilities, sent to
	// clients so they can compute compatible send/receive parameters.
	RouterCapabilities() (json.RawMessage, error)

	CreateTransport(ctx context.Context, dir Direction, appData map[string]any) (Transport, error)

	// CanConsume reports whether a client with the given RTP capabilities can
	// receive the producer's media.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool

	Close() error
}

// Transport is one WebRTC transport belonging to a single peer.
type Transport interface {
	ID() string
	Info() TransportInfo

	// Connect completes the DTLS handshake with the client's parameters.
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error

	// Produce starts receiving a media stream from the client.
	Produce(ctx context.Context, kind string, rtpParameters json.RawMessage, appData map[string]any) (Producer, error)

	// Consume starts forwarding a producer's media to the client. Consumers
	// are created paused; the client resumes them once its receiving side is
	// wired up, so the first RTP packets are not lost.
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error)

	Close() error
}

type Producer interface {
	ID() string
	Kind() string

	// OnTransportClose registers a callback fired when the producer's
	// transport closes engine-side, taking the producer with it. The callback
	// runs on the engine's event loop; it must not block.
	OnTransportClose(fn func())

	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RtpParameters() json.RawMessage

	Resume(ctx context.Context) error

	// OnProducerClose registers a callback fired when the consumed producer
	// closes, whatever the cause (explicit close, owner disconnect, transport
	// loss). The callback runs on the engine's event loop; it must not block.
	OnProducerClose(fn func())

	// OnTransportClose registers a callback fired when the consumer's own
	// transport closes engine-side.
	OnTransportClose(fn func())

	Close() error
}
