package signaling

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voicebridge/voicebridge/internal/conference"
	"github.com/voicebridge/voicebridge/internal/engine"
)

func TestParseRequest(t *testing.T) {
	req, err := parseRequest([]byte(`{"id":7,"method":"joinRoom","data":{"roomId":"100"}}`))
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if *req.ID != 7 || req.Method != "joinRoom" {
		t.Fatalf("req=%+v", req)
	}

	invalid := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"method":"joinRoom"}`},
		{"missing method", `{"id":1}`},
		{"unknown field", `{"id":1,"method":"x","bogus":true}`},
		{"trailing data", `{"id":1,"method":"x"}{"id":2}`},
		{"not json", `hello`},
		{"wrong id type", `{"id":"seven","method":"x"}`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseRequest([]byte(tt.raw)); err == nil {
				t.Fatalf("parseRequest(%q) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	if id, ok := requestID([]byte(`{"id":42,"method":"x","bogus":true}`)); !ok || id != 42 {
		t.Fatalf("requestID=%d,%v, want 42,true", id, ok)
	}
	if _, ok := requestID([]byte(`{"method":"x"}`)); ok {
		t.Fatalf("requestID found an id where there is none")
	}
	if _, ok := requestID([]byte(`garbage`)); ok {
		t.Fatalf("requestID parsed garbage")
	}
}

func TestDecodeData(t *testing.T) {
	var d joinRoomData
	if err := decodeData([]byte(`{"roomId":"100"}`), &d); err != nil {
		t.Fatalf("decodeData: %v", err)
	}
	if d.RoomID != "100" {
		t.Fatalf("RoomID=%q", d.RoomID)
	}

	if err := decodeData(nil, &d); errorCode(err) != codeBadMessage {
		t.Fatalf("missing data: err=%v, want bad_message", err)
	}
	if err := decodeData([]byte(`{"roomId":"100","extra":1}`), &d); errorCode(err) != codeBadMessage {
		t.Fatalf("unknown field: err=%v, want bad_message", err)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{engine.ErrNotRunning, codeNotReady},
		{conference.ErrTransportNotFound, codeNotFound},
		{conference.ErrProducerNotFound, codeNotFound},
		{conference.ErrConsumerNotFound, codeNotFound},
		{conference.ErrCapabilitiesNotFetched, codeInvalidState},
		{conference.ErrNoSendTransport, codeInvalidState},
		{conference.ErrAlreadyProducing, codeInvalidState},
		{conference.ErrRoomFull, codeInvalidState},
		{context.DeadlineExceeded, codeTimeout},
		{badMessagef("nope"), codeBadMessage},
		{errors.New("worker exploded"), codeEngineError},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v)=%q, want %q", tt.err, got, tt.want)
		}
	}

	// Wrapped sentinels still map.
	wrapped := errors.Join(errors.New("context"), conference.ErrConsumerNotFound)
	if got := errorCode(wrapped); got != codeNotFound {
		t.Errorf("errorCode(wrapped)=%q, want %q", got, codeNotFound)
	}
}

func TestErrorCodeMessagesAreLowerCase(t *testing.T) {
	// Codes are part of the wire contract; keep them stable.
	for _, code := range []string{codeNotReady, codeNotFound, codeInvalidState, codeEngineError, codeTimeout, codeBadMessage} {
		if code != strings.ToLower(code) {
			t.Errorf("code %q is not lower case", code)
		}
	}
}
