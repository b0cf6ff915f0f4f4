package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/conference"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/engine"
	"github.com/voicebridge/voicebridge/internal/httpserver"
	"github.com/voicebridge/voicebridge/internal/metrics"
	"github.com/voicebridge/voicebridge/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Server upgrades signaling connections and runs one session per client.
//
// Per-connection hardening: read size limit, token-bucket message rate, idle
// timeout with ping keepalive, write deadline per frame.
type Server struct {
	log      *slog.Logger
	cfg      config.Config
	engine   engine.Engine
	registry *conference.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, eng engine.Engine, registry *conference.Registry, m *metrics.Metrics) *Server {
	return &Server{
		log:      logger,
		cfg:      cfg,
		engine:   eng,
		registry: registry,
		metrics:  m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return httpserver.CheckOrigin(r, cfg.AllowedOrigins)
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	peerID := newPeerID()
	log := s.log.With("peer_id", peerID, "remote_addr", r.RemoteAddr)

	sess := &session{conn: conn}
	peer := s.registry.NewPeer(peerID, s.engine, sess)
	defer peer.Close()

	s.metrics.Inc(metrics.PeerConnected)
	log.Info("peer connected")
	defer log.Info("peer disconnected")

	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(conn, stopPing)

	perSecond := int64(s.cfg.MaxSignalingMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{}, perSecond, perSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))

		req, err := parseRequest(data)
		if err != nil {
			// Respond if the frame carried a usable id; otherwise the sender
			// is not speaking the protocol at all.
			if id, ok := requestID(data); ok {
				_ = sess.writeJSON(response{
					ID:    id,
					Error: &errorBody{Code: codeBadMessage, Message: err.Error()},
				})
				continue
			}
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		s.dispatch(log, sess, peer, req)
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SignalingWSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// dispatch runs one request to completion and writes exactly one response.
// The read loop calls it inline, which is what serializes a single peer's
// requests while leaving other connections unaffected.
func (s *Server) dispatch(log *slog.Logger, sess *session, peer *conference.Peer, req request) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	data, err := s.handle(ctx, peer, req)

	resp := response{ID: *req.ID}
	if err != nil {
		code := errorCode(err)
		if ctx.Err() == context.DeadlineExceeded {
			code = codeTimeout
			s.metrics.Inc(metrics.RequestTimeout)
		}
		resp.Error = &errorBody{Code: code, Message: err.Error()}
		log.Warn("request failed", "method", req.Method, "code", code, "err", err)
	} else {
		resp.OK = true
		resp.Data = data
	}

	if err := sess.writeJSON(resp); err != nil {
		log.Debug("response write failed", "method", req.Method, "err", err)
	}
}

func (s *Server) handle(ctx context.Context, peer *conference.Peer, req request) (any, error) {
	switch req.Method {
	case methodGetCapabilities:
		return peer.RouterCapabilities()

	case methodJoinRoom:
		var d joinRoomData
		if err := decodeData(req.Data, &d); err != nil {
			return nil, err
		}
		if d.RoomID == "" {
			return nil, badMessagef("missing roomId")
		}
		others, err := peer.JoinRoom(d.RoomID)
		if err != nil {
			return nil, err
		}
		return joinRoomResult{Success: true, Peers: others}, nil

	case methodCreateTransport:
		var d createTransportData
		if err := decodeData(req.Data, &d); err != nil {
			return nil, err
		}
		var dir engine.Direction
		switch d.Direction {
		case string(engine.DirectionSend):
			dir = engine.DirectionSend
		case string(engine.DirectionRecv):
			dir = engine.DirectionRecv
		default:
			return nil, badMessagef("invalid direction %q", d.Direction)
		}
		return peer.CreateTransport(ctx, dir)

	case methodConnectTransport:
		var d connectTransportData
		if err := decodeData(req.Data, &d); err != nil {
			return nil, err
		}
		if d.TransportID == "" {
			return nil, badMessagef("missing transportId")
		}
		if len(d.DtlsParameters) == 0 {
			return nil, badMessagef("missing dtlsParameters")
		}
		if err := peer.ConnectTransport(ctx, d.TransportID, d.DtlsParameters); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil

	case methodProduce:
		var d produceData
		if err := decodeData(req.Data, &d); err != nil {
			return nil, err
		}
		if d.Kind == "" {
			return nil, badMessagef("missing kind")
		}
		if len(d.RtpParameters) == 0 {
			return nil, badMessagef("missing rtpParameters")
		}
		producerID, err := peer.Produce(ctx, d.Kind, d.RtpParameters)
		if err != nil {
			return nil, err
		}
		return produceResult{ProducerID: producerID}, nil

	case methodCloseProducer:
		if err := peer.CloseProducer(); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil

	case methodConsume:
		var d consumeData
		if err := decodeData(req.Data, &d); err != nil {
			return nil, err
		}
		if d.ProducerID == "" {
			return nil, badMessagef("missing producerId")
		}
		if len(d.RtpCapabilities) == 0 {
			return nil, badMessagef("missing rtpCapabilities")
		}
		return peer.Consume(ctx, d.ProducerID, d.RtpCapabilities)

	case methodResumeConsumer:
		var d resumeConsumerData
		if err := decodeData(req.Data, &d); err != nil {
			return nil, err
		}
		if d.ConsumerID == "" {
			return nil, badMessagef("missing consumerId")
		}
		if err := peer.ResumeConsumer(ctx, d.ConsumerID); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil

	case methodGetProducers:
		return peer.Producers(), nil

	default:
		return nil, badMessagef("unknown method %q", req.Method)
	}
}

// session serializes all writes to one connection. Responses come from the
// read loop; notifications come from other peers' request handlers and from
// engine callbacks.
type session struct {
	conn *websocket.Conn

	mu sync.Mutex
}

func (s *session) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

// Notify implements conference.Notifier.
func (s *session) Notify(event string, data any) error {
	return s.writeJSON(notification{Event: event, Data: data})
}

func newPeerID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "peer-unknown"
	}
	return hex.EncodeToString(buf[:])
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
