package conference

import "errors"

// Ordering violations. These indicate a client driving the protocol out of
// order, not a server fault.
var (
	ErrCapabilitiesNotFetched = errors.New("router capabilities not fetched yet")
	ErrAlreadyInRoom          = errors.New("peer already joined a room")
	ErrNotInRoom              = errors.New("peer has not joined a room")
	ErrTransportExists        = errors.New("transport for this direction already exists")
	ErrNoSendTransport        = errors.New("no send transport created")
	ErrNoRecvTransport        = errors.New("no receive transport created")
	ErrAlreadyProducing       = errors.New("peer already has an active producer")
	ErrNotProducing           = errors.New("peer has no active producer")
	ErrPeerClosed             = errors.New("peer is disconnected")
)

// Lookup failures.
var (
	ErrTransportNotFound = errors.New("transport not found for this peer")
	ErrProducerNotFound  = errors.New("producer not found in this room")
	ErrConsumerNotFound  = errors.New("consumer not found for this peer")
)

// Capacity limits.
var (
	ErrRoomFull     = errors.New("room is full")
	ErrTooManyRooms = errors.New("room limit reached")
)

// ErrCannotConsume is returned when the engine rejects the combination of
// producer and client RTP capabilities.
var ErrCannotConsume = errors.New("cannot consume producer with the given rtp capabilities")
