// Package enginetest provides an in-memory media engine for tests. It mirrors
// the real engine's lifecycle rules (paused consumers, producer-close
// callbacks) without spawning a worker process.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voicebridge/voicebridge/internal/engine"
)

// Fake implements engine.Engine entirely in memory. IDs are deterministic
// ("transport-1", "producer-2", ...) so tests can assert on them.
type Fake struct {
	mu         sync.Mutex
	nextID     uint64
	closed     bool
	failNext   error
	transports []*FakeTransport
	producers  map[string]*FakeProducer

	// CanConsumeResult controls CanConsume for known producers. Defaults to
	// true; set to false to simulate incompatible capabilities.
	CanConsumeResult atomic.Bool
}

func New() *Fake {
	f := &Fake{producers: map[string]*FakeProducer{}}
	f.CanConsumeResult.Store(true)
	return f
}

// FailNext makes the next engine operation (CreateTransport, Connect,
// Produce, Consume) fail with err, then resets.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *Fake) Ready() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return engine.ErrNotRunning
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) RouterCapabilities() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, engine.ErrNotRunning
	}
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2}]}`), nil
}

func (f *Fake) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if !f.CanConsumeResult.Load() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.producers[producerID]
	return ok
}

func (f *Fake) CreateTransport(ctx context.Context, dir engine.Direction, appData map[string]any) (engine.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, engine.ErrNotRunning
	}
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	t := &FakeTransport{
		fake:      f,
		id:        f.id("transport"),
		direction: dir,
	}
	f.transports = append(f.transports, t)
	return t, nil
}

// Transports returns every transport ever created, including closed ones.
func (f *Fake) Transports() []*FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeTransport(nil), f.transports...)
}

// Producer looks up a live producer by id.
func (f *Fake) Producer(id string) *FakeProducer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.producers[id]
}

type FakeTransport struct {
	fake      *Fake
	id        string
	direction engine.Direction

	mu        sync.Mutex
	closed    bool
	connected bool
	producers []*FakeProducer
	consumers []*FakeConsumer
}

func (t *FakeTransport) ID() string { return t.id }

func (t *FakeTransport) Direction() engine.Direction { return t.direction }

func (t *FakeTransport) Info() engine.TransportInfo {
	return engine.TransportInfo{
		ID:             t.id,
		IceParameters:  json.RawMessage(`{"usernameFragment":"uf-` + t.id + `","password":"pw"}`),
		IceCandidates:  json.RawMessage(`[{"ip":"127.0.0.1","port":40000,"protocol":"udp"}]`),
		DtlsParameters: json.RawMessage(`{"role":"auto","fingerprints":[]}`),
	}
}

// Consumers returns every consumer created on this transport.
func (t *FakeTransport) Consumers() []*FakeConsumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeConsumer(nil), t.consumers...)
}

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *FakeTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	t.fake.mu.Lock()
	failErr := t.fake.takeFailure()
	t.fake.mu.Unlock()
	if failErr != nil {
		return failErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	if t.connected {
		return errors.New("transport already connected")
	}
	t.connected = true
	return nil
}

func (t *FakeTransport) Produce(ctx context.Context, kind string, rtpParameters json.RawMessage, appData map[string]any) (engine.Producer, error) {
	t.fake.mu.Lock()
	failErr := t.fake.takeFailure()
	var id string
	if failErr == nil {
		id = t.fake.id("producer")
	}
	t.fake.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	p := &FakeProducer{
		fake: t.fake,
		id:   id,
		kind: kind,
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.fake.mu.Lock()
	t.fake.producers[id] = p
	t.fake.mu.Unlock()
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (engine.Consumer, error) {
	t.fake.mu.Lock()
	failErr := t.fake.takeFailure()
	var id string
	if failErr == nil {
		id = t.fake.id("consumer")
	}
	producer := t.fake.producers[producerID]
	t.fake.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	if producer == nil {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	c := &FakeConsumer{
		id:         id,
		producerID: producerID,
		kind:       producer.kind,
		paused:     true,
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	producer.mu.Lock()
	producer.consumers = append(producer.consumers, c)
	producer.mu.Unlock()
	return c, nil
}

// Close closes the transport and everything riding on it, firing the same
// transport-close and producer-close callbacks the real engine would.
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := append([]*FakeProducer(nil), t.producers...)
	consumers := append([]*FakeConsumer(nil), t.consumers...)
	t.mu.Unlock()

	for _, p := range producers {
		p.fireTransportClose()
	}
	for _, c := range consumers {
		c.fireTransportClose()
	}
	return nil
}

type FakeProducer struct {
	fake *Fake
	id   string
	kind string

	mu               sync.Mutex
	closed           bool
	transportClosed  bool
	consumers        []*FakeConsumer
	onTransportClose []func()
}

func (p *FakeProducer) ID() string   { return p.id }
func (p *FakeProducer) Kind() string { return p.kind }

func (p *FakeProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes the producer and fires every consumer's producer-close
// callback, mirroring the real engine's event propagation.
func (p *FakeProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := append([]*FakeConsumer(nil), p.consumers...)
	p.mu.Unlock()

	p.fake.mu.Lock()
	delete(p.fake.producers, p.id)
	p.fake.mu.Unlock()

	for _, c := range consumers {
		c.fireProducerClose()
	}
	return nil
}

func (p *FakeProducer) OnTransportClose(fn func()) {
	p.mu.Lock()
	already := p.transportClosed
	if !already {
		p.onTransportClose = append(p.onTransportClose, fn)
	}
	p.mu.Unlock()
	if already {
		fn()
	}
}

// fireTransportClose closes the producer (cascading producer-close to its
// consumers) and then fires the producer's transport-close callbacks,
// matching the real engine's event order.
func (p *FakeProducer) fireTransportClose() {
	p.mu.Lock()
	if p.transportClosed {
		p.mu.Unlock()
		return
	}
	p.transportClosed = true
	fns := append([]func(){}, p.onTransportClose...)
	p.mu.Unlock()

	p.Close()
	for _, fn := range fns {
		fn()
	}
}

type FakeConsumer struct {
	id         string
	producerID string
	kind       string

	mu               sync.Mutex
	closed           bool
	paused           bool
	producerClosed   bool
	transportClosed  bool
	onProducerClose  []func()
	onTransportClose []func()
}

func (c *FakeConsumer) ID() string         { return c.id }
func (c *FakeConsumer) ProducerID() string { return c.producerID }
func (c *FakeConsumer) Kind() string       { return c.kind }

func (c *FakeConsumer) RtpParameters() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","payloadType":100}]}`)
}

func (c *FakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *FakeConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConsumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	c.paused = false
	return nil
}

func (c *FakeConsumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	already := c.producerClosed
	if !already {
		c.onProducerClose = append(c.onProducerClose, fn)
	}
	c.mu.Unlock()
	if already {
		fn()
	}
}

func (c *FakeConsumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	already := c.transportClosed
	if !already {
		c.onTransportClose = append(c.onTransportClose, fn)
	}
	c.mu.Unlock()
	if already {
		fn()
	}
}

func (c *FakeConsumer) fireTransportClose() {
	c.mu.Lock()
	if c.transportClosed {
		c.mu.Unlock()
		return
	}
	c.transportClosed = true
	c.closed = true
	fns := append([]func(){}, c.onTransportClose...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *FakeConsumer) fireProducerClose() {
	c.mu.Lock()
	if c.producerClosed {
		c.mu.Unlock()
		return
	}
	c.producerClosed = true
	fns := append([]func(){}, c.onProducerClose...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *FakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
