package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	mediasoup "github.com/jiyeyuran/mediasoup-go/v2"

	"github.com/voicebridge/voicebridge/internal/config"
)

// audioCodecs is the codec set offered by the router. Opus at 48kHz stereo
// is what browsers negotiate for WebRTC audio.
var audioCodecs = []*mediasoup.RtpCodecCapability{
	{
		Kind:      mediasoup.MediaKindAudio,
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
	},
}

// Mediasoup runs a mediasoup worker process with a single router.
type Mediasoup struct {
	log *slog.Logger
	cfg config.Config

	mu     sync.Mutex
	worker *mediasoup.Worker
	router *mediasoup.Router
	caps   json.RawMessage
	closed bool
}

func NewMediasoup(cfg config.Config, logger *slog.Logger) (*Mediasoup, error) {
	worker, err := mediasoup.NewWorker(os.Getenv("MEDIASOUP_WORKER_BIN"))
	if err != nil {
		return nil, fmt.Errorf("start mediasoup worker: %w", err)
	}

	router, err := worker.CreateRouter(&mediasoup.RouterOptions{
		MediaCodecs: audioCodecs,
	})
	if err != nil {
		worker.Close()
		return nil, fmt.Errorf("create router: %w", err)
	}

	caps, err := json.Marshal(router.RtpCapabilities())
	if err != nil {
		worker.Close()
		return nil, fmt.Errorf("marshal router rtp capabilities: %w", err)
	}

	logger.Info("mediasoup worker started",
		"router_id", router.Id(),
		"listen_ip", cfg.MediasoupListenIP,
		"announced_ip", cfg.MediasoupAnnouncedIP,
	)

	return &Mediasoup{
		log:    logger,
		cfg:    cfg,
		worker: worker,
		router: router,
		caps:   caps,
	}, nil
}

func (e *Mediasoup) Ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.router == nil {
		return ErrNotRunning
	}
	return nil
}

func (e *Mediasoup) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.worker != nil {
		e.worker.Close()
	}
	return nil
}

func (e *Mediasoup) RouterCapabilities() (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.router == nil {
		return nil, ErrNotRunning
	}
	return e.caps, nil
}

func (e *Mediasoup) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	e.mu.Lock()
	router := e.router
	closed := e.closed
	e.mu.Unlock()
	if closed || router == nil {
		return false
	}

	var caps mediasoup.RtpCapabilities
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	return router.CanConsume(producerID, &caps)
}

func (e *Mediasoup) CreateTransport(ctx context.Context, dir Direction, appData map[string]any) (Transport, error) {
	e.mu.Lock()
	router := e.router
	closed := e.closed
	e.mu.Unlock()
	if closed || router == nil {
		return nil, ErrNotRunning
	}

	data := mediasoup.H{"direction": string(dir)}
	for k, v := range appData {
		data[k] = v
	}

	listenInfos := []mediasoup.TransportListenInfo{
		{
			Protocol:         "udp",
			Ip:               e.cfg.MediasoupListenIP,
			AnnouncedAddress: e.cfg.MediasoupAnnouncedIP,
		},
		{
			Protocol:         "tcp",
			Ip:               e.cfg.MediasoupListenIP,
			AnnouncedAddress: e.cfg.MediasoupAnnouncedIP,
		},
	}

	transport, err := router.CreateWebRtcTransport(&mediasoup.WebRtcTransportOptions{
		ListenInfos: listenInfos,
		AppData:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("create webrtc transport: %w", err)
	}

	tdata := transport.Data().WebRtcTransportData

	info := TransportInfo{ID: transport.Id()}
	if info.IceParameters, err = json.Marshal(tdata.IceParameters); err != nil {
		transport.Close()
		return nil, fmt.Errorf("marshal ice parameters: %w", err)
	}
	if info.IceCandidates, err = json.Marshal(tdata.IceCandidates); err != nil {
		transport.Close()
		return nil, fmt.Errorf("marshal ice candidates: %w", err)
	}
	if info.DtlsParameters, err = json.Marshal(tdata.DtlsParameters); err != nil {
		transport.Close()
		return nil, fmt.Errorf("marshal dtls parameters: %w", err)
	}
	if tdata.SctpParameters != nil {
		if info.SctpParameters, err = json.Marshal(tdata.SctpParameters); err != nil {
			transport.Close()
			return nil, fmt.Errorf("marshal sctp parameters: %w", err)
		}
	}

	log := e.log.With("transport_id", transport.Id(), "direction", string(dir))
	transport.OnDtlsStateChange(func(state mediasoup.DtlsState) {
		log.Debug("transport dtls state change", "dtls_state", string(state))
		if state == "failed" || state == "closed" {
			transport.Close()
		}
	})

	return &msTransport{transport: transport, info: info}, nil
}

type msTransport struct {
	transport *mediasoup.Transport
	info      TransportInfo
}

func (t *msTransport) ID() string { return t.info.ID }

func (t *msTransport) Info() TransportInfo { return t.info }

func (t *msTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	var dtls mediasoup.DtlsParameters
	if err := json.Unmarshal(dtlsParameters, &dtls); err != nil {
		return fmt.Errorf("parse dtls parameters: %w", err)
	}
	if err := t.transport.ConnectContext(ctx, &mediasoup.TransportConnectOptions{
		DtlsParameters: &dtls,
	}); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

func (t *msTransport) Produce(ctx context.Context, kind string, rtpParameters json.RawMessage, appData map[string]any) (Producer, error) {
	var rtp mediasoup.RtpParameters
	if err := json.Unmarshal(rtpParameters, &rtp); err != nil {
		return nil, fmt.Errorf("parse rtp parameters: %w", err)
	}

	producer, err := t.transport.ProduceContext(ctx, &mediasoup.ProducerOptions{
		Kind:          mediasoup.MediaKind(kind),
		RtpParameters: &rtp,
		AppData:       mediasoup.H(appData),
	})
	if err != nil {
		return nil, fmt.Errorf("produce: %w", err)
	}
	return &msProducer{producer: producer}, nil
}

func (t *msTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error) {
	var caps mediasoup.RtpCapabilities
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return nil, fmt.Errorf("parse rtp capabilities: %w", err)
	}

	consumer, err := t.transport.ConsumeContext(ctx, &mediasoup.ConsumerOptions{
		ProducerId:      producerID,
		RtpCapabilities: &caps,
		Paused:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	rtp, err := json.Marshal(consumer.RtpParameters())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("marshal consumer rtp parameters: %w", err)
	}

	return &msConsumer{
		consumer:   consumer,
		producerID: producerID,
		rtp:        rtp,
	}, nil
}

func (t *msTransport) Close() error {
	t.transport.Close()
	return nil
}

type msProducer struct {
	producer *mediasoup.Producer
}

func (p *msProducer) ID() string   { return p.producer.Id() }
func (p *msProducer) Kind() string { return string(p.producer.Kind()) }

func (p *msProducer) OnTransportClose(fn func()) {
	p.producer.OnTransportClosed(func(context.Context) { fn() })
}

func (p *msProducer) Close() error {
	p.producer.Close()
	return nil
}

type msConsumer struct {
	consumer   *mediasoup.Consumer
	producerID string
	rtp        json.RawMessage
}

func (c *msConsumer) ID() string                     { return c.consumer.Id() }
func (c *msConsumer) ProducerID() string             { return c.producerID }
func (c *msConsumer) Kind() string                   { return string(c.consumer.Kind()) }
func (c *msConsumer) RtpParameters() json.RawMessage { return c.rtp }

func (c *msConsumer) Resume(ctx context.Context) error {
	if err := c.consumer.ResumeContext(ctx); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}
	return nil
}

func (c *msConsumer) OnProducerClose(fn func()) {
	c.consumer.OnProducerClose(func(context.Context) { fn() })
}

func (c *msConsumer) OnTransportClose(fn func()) {
	c.consumer.OnTransportClosed(func(context.Context) { fn() })
}

func (c *msConsumer) Close() error {
	c.consumer.Close()
	return nil
}
