package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/conference"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/engine/enginetest"
	"github.com/voicebridge/voicebridge/internal/metrics"
)

type gateway struct {
	fake     *enginetest.Fake
	registry *conference.Registry
	ts       *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	fake := enginetest.New()
	reg := conference.NewRegistry(logger, m, 0, 0)

	srv := NewServer(cfg, logger, fake, reg, m)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &gateway{fake: fake, registry: reg, ts: ts}
}

// wireFrame is the union of response and notification shapes, for the test
// client's demultiplexer.
type wireFrame struct {
	ID    *uint64         `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *errorBody      `json:"error,omitempty"`
	Event string          `json:"event,omitempty"`
}

type client struct {
	t       *testing.T
	conn    *websocket.Conn
	nextID  uint64
	pending []wireFrame // notifications read while waiting for a response
}

func dial(t *testing.T, g *gateway) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) readFrame() wireFrame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wireFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return frame
}

// call sends one request and reads until its response arrives, buffering any
// notifications that show up in between.
func (c *client) call(method string, data any) wireFrame {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	req := map[string]any{"id": id, "method": method}
	if data != nil {
		req["data"] = data
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	for {
		frame := c.readFrame()
		if frame.Event != "" {
			c.pending = append(c.pending, frame)
			continue
		}
		if frame.ID == nil || *frame.ID != id {
			c.t.Fatalf("%s: response for unexpected id %v", method, frame.ID)
		}
		return frame
	}
}

// mustCall asserts the call succeeded and decodes its data payload.
func (c *client) mustCall(method string, data any, out any) {
	c.t.Helper()
	frame := c.call(method, data)
	if !frame.OK {
		c.t.Fatalf("%s failed: %+v", method, frame.Error)
	}
	if out != nil {
		if err := json.Unmarshal(frame.Data, out); err != nil {
			c.t.Fatalf("%s: decode response data: %v", method, err)
		}
	}
}

// mustFail asserts the call failed with the given error code.
func (c *client) mustFail(method string, data any, wantCode string) {
	c.t.Helper()
	frame := c.call(method, data)
	if frame.OK {
		c.t.Fatalf("%s succeeded, want error %s", method, wantCode)
	}
	if frame.Error == nil || frame.Error.Code != wantCode {
		c.t.Fatalf("%s: error=%+v, want code %s", method, frame.Error, wantCode)
	}
}

// waitEvent reads (or recalls buffered) notifications until one matches.
func (c *client) waitEvent(name string) json.RawMessage {
	c.t.Helper()
	for i, frame := range c.pending {
		if frame.Event == name {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return frame.Data
		}
	}
	for {
		frame := c.readFrame()
		if frame.Event == "" {
			c.t.Fatalf("waiting for %s, got response frame %+v", name, frame)
		}
		if frame.Event == name {
			return frame.Data
		}
		c.pending = append(c.pending, frame)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// join drives the capability exchange and room join for a fresh client.
func (c *client) join(roomID string) joinRoomResult {
	c.t.Helper()
	c.mustCall(methodGetCapabilities, nil, nil)
	var res joinRoomResult
	c.mustCall(methodJoinRoom, map[string]any{"roomId": roomID}, &res)
	return res
}

// createAndConnect creates a transport for dir and completes its handshake,
// returning the transport id.
func (c *client) createAndConnect(dir string) string {
	c.t.Helper()
	var info struct {
		ID string `json:"id"`
	}
	c.mustCall(methodCreateTransport, map[string]any{"direction": dir}, &info)
	c.mustCall(methodConnectTransport, map[string]any{
		"transportId":    info.ID,
		"dtlsParameters": map[string]any{"role": "client"},
	}, nil)
	return info.ID
}

func TestConferenceScenario(t *testing.T) {
	g := newGateway(t)

	// A joins the empty room "100".
	a := dial(t, g)
	res := a.join("100")
	if !res.Success || len(res.Peers) != 0 {
		t.Fatalf("a join result=%+v, want success with no peers", res)
	}
	if g.registry.RoomCount() != 1 || g.registry.PeerCount("100") != 1 {
		t.Fatalf("rooms=%d members=%d, want 1/1", g.registry.RoomCount(), g.registry.PeerCount("100"))
	}

	// B joins: its response lists A, and A hears userJoined.
	b := dial(t, g)
	res = b.join("100")
	if len(res.Peers) != 1 {
		t.Fatalf("b join peers=%v, want one (a)", res.Peers)
	}
	var joined struct {
		PeerID string `json:"peerId"`
		Peers  []struct {
			ID string `json:"id"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(a.waitEvent("userJoined"), &joined); err != nil {
		t.Fatalf("decode userJoined: %v", err)
	}
	if len(joined.Peers) != 2 {
		t.Fatalf("userJoined.peers=%v, want both members", joined.Peers)
	}

	// A produces audio; B hears newProducer.
	a.createAndConnect("send")
	var produced produceResult
	a.mustCall(methodProduce, map[string]any{
		"kind":          "audio",
		"rtpParameters": map[string]any{"codecs": []any{}},
	}, &produced)

	var np struct {
		PeerID     string `json:"peerId"`
		ProducerID string `json:"producerId"`
		Kind       string `json:"kind"`
	}
	if err := json.Unmarshal(b.waitEvent("newProducer"), &np); err != nil {
		t.Fatalf("decode newProducer: %v", err)
	}
	if np.ProducerID != produced.ProducerID || np.Kind != "audio" {
		t.Fatalf("newProducer=%+v, want producer %s", np, produced.ProducerID)
	}

	// getProducers from B's side sees exactly A's producer.
	var producers []struct {
		PeerID     string `json:"peerId"`
		ProducerID string `json:"producerId"`
		Kind       string `json:"kind"`
	}
	b.mustCall(methodGetProducers, nil, &producers)
	if len(producers) != 1 || producers[0].ProducerID != produced.ProducerID {
		t.Fatalf("getProducers=%v, want [%s]", producers, produced.ProducerID)
	}

	// B consumes A's producer: created paused, then resumed.
	b.createAndConnect("recv")
	var consumed struct {
		ID            string          `json:"id"`
		ProducerID    string          `json:"producerId"`
		Kind          string          `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	b.mustCall(methodConsume, map[string]any{
		"producerId":      produced.ProducerID,
		"rtpCapabilities": map[string]any{"codecs": []any{}},
	}, &consumed)
	if consumed.Kind != "audio" || len(consumed.RtpParameters) == 0 {
		t.Fatalf("consume result=%+v", consumed)
	}

	fc := findFakeConsumer(t, g.fake, consumed.ID)
	if !fc.Paused() {
		t.Fatalf("consumer created unpaused")
	}
	b.mustCall(methodResumeConsumer, map[string]any{"consumerId": consumed.ID}, nil)
	if fc.Paused() {
		t.Fatalf("consumer still paused after resume")
	}

	// A disconnects: B hears consumerClosed for its consumer and userLeft;
	// the room survives with B alone.
	a.conn.Close()

	var cc struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(b.waitEvent("consumerClosed"), &cc); err != nil {
		t.Fatalf("decode consumerClosed: %v", err)
	}
	if cc.ConsumerID != consumed.ID {
		t.Fatalf("consumerClosed.consumerId=%q, want %q", cc.ConsumerID, consumed.ID)
	}
	var left struct {
		PeerID string `json:"peerId"`
	}
	if err := json.Unmarshal(b.waitEvent("userLeft"), &left); err != nil {
		t.Fatalf("decode userLeft: %v", err)
	}

	waitFor(t, "room with one member", func() bool {
		return g.registry.RoomCount() == 1 && g.registry.PeerCount("100") == 1
	})

	// B disconnects: the room is removed.
	b.conn.Close()
	waitFor(t, "empty registry", func() bool {
		return g.registry.RoomCount() == 0
	})
}

func findFakeConsumer(t *testing.T, fake *enginetest.Fake, id string) *enginetest.FakeConsumer {
	t.Helper()
	for _, tr := range fake.Transports() {
		for _, c := range tr.Consumers() {
			if c.ID() == id {
				return c
			}
		}
	}
	t.Fatalf("consumer %s not found in fake engine", id)
	return nil
}

func TestOrderingViolations(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g)

	c.mustFail(methodJoinRoom, map[string]any{"roomId": "100"}, codeInvalidState)
	c.mustCall(methodGetCapabilities, nil, nil)
	c.mustCall(methodJoinRoom, map[string]any{"roomId": "100"}, nil)

	c.mustFail(methodProduce, map[string]any{
		"kind":          "audio",
		"rtpParameters": map[string]any{},
	}, codeInvalidState)
	c.mustFail(methodConsume, map[string]any{
		"producerId":      "nope",
		"rtpCapabilities": map[string]any{},
	}, codeInvalidState)
	c.mustFail(methodResumeConsumer, map[string]any{"consumerId": "nope"}, codeNotFound)
	c.mustFail(methodConnectTransport, map[string]any{
		"transportId":    "nope",
		"dtlsParameters": map[string]any{},
	}, codeNotFound)
	c.mustFail(methodCloseProducer, nil, codeInvalidState)
}

func TestConsumeUnknownProducer(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g)
	c.join("100")
	c.createAndConnect("recv")

	c.mustFail(methodConsume, map[string]any{
		"producerId":      "producer-999",
		"rtpCapabilities": map[string]any{},
	}, codeNotFound)
}

func TestEngineNotReady(t *testing.T) {
	g := newGateway(t)
	g.fake.Close()

	c := dial(t, g)
	c.mustFail(methodGetCapabilities, nil, codeNotReady)
}

func TestBadMessages(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g)

	c.mustFail("noSuchMethod", nil, codeBadMessage)
	c.mustFail(methodJoinRoom, map[string]any{"roomId": ""}, codeBadMessage)
	c.mustFail(methodCreateTransport, map[string]any{"direction": "sideways"}, codeBadMessage)
	c.mustFail(methodJoinRoom, map[string]any{"roomId": "100", "extra": 1}, codeBadMessage)

	// A frame that fails strict parsing but still carries an id gets a
	// correlated bad_message response.
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"id":99,"method":"joinRoom","bogus":true}`)); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	frame := c.readFrame()
	if frame.ID == nil || *frame.ID != 99 || frame.OK || frame.Error.Code != codeBadMessage {
		t.Fatalf("frame=%+v, want bad_message for id 99", frame)
	}
}

func TestEngineFailureSurfacesAsEngineError(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g)
	c.join("100")

	g.fake.FailNext(errEngineBoom{})
	c.mustFail(methodCreateTransport, map[string]any{"direction": "send"}, codeEngineError)
}

type errEngineBoom struct{}

func (errEngineBoom) Error() string { return "worker crashed" }

func TestUncorrelatableFrameClosesConnection(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
				t.Fatalf("close error=%v, want unsupported data", err)
			}
			return
		}
	}
}

func TestSecondProduceRejected(t *testing.T) {
	g := newGateway(t)
	c := dial(t, g)
	c.join("100")
	c.createAndConnect("send")

	params := map[string]any{"kind": "audio", "rtpParameters": map[string]any{}}
	c.mustCall(methodProduce, params, nil)
	c.mustFail(methodProduce, params, codeInvalidState)

	// After an explicit closeProducer the peer may produce again.
	c.mustCall(methodCloseProducer, nil, nil)
	c.mustCall(methodProduce, params, nil)
}
