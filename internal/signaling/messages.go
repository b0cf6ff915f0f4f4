package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/voicebridge/voicebridge/internal/conference"
	"github.com/voicebridge/voicebridge/internal/engine"
)

// Request methods accepted from clients.
const (
	methodGetCapabilities  = "getCapabilities"
	methodJoinRoom         = "joinRoom"
	methodCreateTransport  = "createTransport"
	methodConnectTransport = "connectTransport"
	methodProduce          = "produce"
	methodCloseProducer    = "closeProducer"
	methodConsume          = "consume"
	methodResumeConsumer   = "resumeConsumer"
	methodGetProducers     = "getProducers"
)

// Machine-readable error codes carried in failure responses.
const (
	codeNotReady     = "not_ready"
	codeNotFound     = "not_found"
	codeInvalidState = "invalid_state"
	codeEngineError  = "engine_error"
	codeTimeout      = "timeout"
	codeBadMessage   = "bad_message"
)

type request struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	ID    uint64     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func parseRequest(data []byte) (request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req request
	if err := dec.Decode(&req); err != nil {
		return request{}, err
	}
	if req.ID == nil {
		return request{}, fmt.Errorf("request missing id")
	}
	if req.Method == "" {
		return request{}, fmt.Errorf("request missing method")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return request{}, fmt.Errorf("unexpected trailing data")
	}
	return req, nil
}

// requestID leniently extracts the id of a frame that failed strict parsing,
// so the error response can still be correlated.
func requestID(data []byte) (uint64, bool) {
	var probe struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ID == nil {
		return 0, false
	}
	return *probe.ID, true
}

// errBadMessage marks payload decoding failures so they map to bad_message
// rather than invalid_state.
type errBadMessage struct {
	msg string
}

func (e errBadMessage) Error() string { return e.msg }

func badMessagef(format string, args ...any) error {
	return errBadMessage{msg: fmt.Sprintf(format, args...)}
}

// decodeData strictly decodes a request's data payload.
func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return badMessagef("missing request data")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badMessagef("invalid request data: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return badMessagef("unexpected trailing data")
	}
	return nil
}

type joinRoomData struct {
	RoomID string `json:"roomId"`
}

type createTransportData struct {
	Direction string `json:"direction"`
}

type connectTransportData struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type produceData struct {
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type consumeData struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type resumeConsumerData struct {
	ConsumerID string `json:"consumerId"`
}

type joinRoomResult struct {
	Success bool                     `json:"success"`
	Peers   []conference.PeerSummary `json:"peers"`
}

type produceResult struct {
	ProducerID string `json:"producerId"`
}

type successResult struct {
	Success bool `json:"success"`
}

// errorCode maps a handler error onto the protocol's error taxonomy.
func errorCode(err error) string {
	var bad errBadMessage
	switch {
	case errors.As(err, &bad):
		return codeBadMessage
	case errors.Is(err, context.DeadlineExceeded):
		return codeTimeout
	case errors.Is(err, engine.ErrNotRunning):
		return codeNotReady
	case errors.Is(err, conference.ErrTransportNotFound),
		errors.Is(err, conference.ErrProducerNotFound),
		errors.Is(err, conference.ErrConsumerNotFound):
		return codeNotFound
	case errors.Is(err, conference.ErrCapabilitiesNotFetched),
		errors.Is(err, conference.ErrAlreadyInRoom),
		errors.Is(err, conference.ErrNotInRoom),
		errors.Is(err, conference.ErrTransportExists),
		errors.Is(err, conference.ErrNoSendTransport),
		errors.Is(err, conference.ErrNoRecvTransport),
		errors.Is(err, conference.ErrAlreadyProducing),
		errors.Is(err, conference.ErrNotProducing),
		errors.Is(err, conference.ErrPeerClosed),
		errors.Is(err, conference.ErrRoomFull),
		errors.Is(err, conference.ErrTooManyRooms):
		return codeInvalidState
	default:
		// Everything else surfaced from the media engine.
		return codeEngineError
	}
}
