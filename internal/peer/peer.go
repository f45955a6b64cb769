// Package peer is the client side of the negotiation. A Peer walks the steps
// a browser client takes against the signaling server: fetch router
// capabilities, load a device, create and connect transports, then produce
// and consume.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/protocol"
)

// State is one step of the client negotiation. The send branch runs
// Idle, CapabilitiesKnown, DeviceReady, SendTransportCreated, Producing.
// The receive branch leaves DeviceReady for RecvTransportCreated and then
// Consuming.
type State int

const (
	StateIdle State = iota
	StateCapabilitiesKnown
	StateDeviceReady
	StateSendTransportCreated
	StateProducing
	StateRecvTransportCreated
	StateConsuming
)

var stateNames = map[State]string{
	StateIdle:                 "Idle",
	StateCapabilitiesKnown:    "CapabilitiesKnown",
	StateDeviceReady:          "DeviceReady",
	StateSendTransportCreated: "SendTransportCreated",
	StateProducing:            "Producing",
	StateRecvTransportCreated: "RecvTransportCreated",
	StateConsuming:            "Consuming",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrInvalidTransition is returned when a step is attempted out of order.
var ErrInvalidTransition = fmt.Errorf("invalid state transition: %w", domain.ErrPrerequisite)

type Options struct {
	Kind domain.MediaKind
	// Simulcast sends Encodings as separate layers. It only applies to video.
	Simulcast      bool
	Encodings      []domain.RtpEncodingParameters
	AppData        map[string]interface{}
	RequestTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Kind: domain.MediaKindVideo,
		Encodings: []domain.RtpEncodingParameters{
			{Rid: "r0", MaxBitrate: 100000, ScalabilityMode: "S1T3"},
			{Rid: "r1", MaxBitrate: 300000, ScalabilityMode: "S1T3"},
			{Rid: "r2", MaxBitrate: 900000, ScalabilityMode: "S1T3"},
		},
		RequestTimeout: 10 * time.Second,
	}
}

// Peer drives one signaling channel through the negotiation. Steps are
// serialized; server notifications about closed entities move the send and
// receive branches back.
type Peer struct {
	ch       *Channel
	acquirer MediaAcquirer
	opts     Options
	device   *Device

	opMu sync.Mutex

	mu            sync.Mutex
	capabilities  *domain.RtpCapabilities
	track         MediaTrack
	sendTransport *Transport
	recvTransport *Transport
	producer      *Producer
	consumer      *Consumer

	logger *zap.SugaredLogger
}

// New creates a peer on ch. Zero fields of opts keep their defaults.
func New(ch *Channel, acquirer MediaAcquirer, opts Options, log *zap.SugaredLogger) (*Peer, error) {
	if ch == nil {
		return nil, errors.New("peer needs a signaling channel")
	}
	merged := DefaultOptions()
	if err := mergo.Merge(&merged, opts, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge peer options: %w", err)
	}
	if !merged.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid media kind %q", domain.ErrInvalidParameters, merged.Kind)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	p := &Peer{
		ch:       ch,
		acquirer: acquirer,
		opts:     merged,
		device:   NewDevice(),
		logger:   log,
	}
	go p.handleNotifications()
	return p, nil
}

func (p *Peer) Options() Options { return p.opts }

func (p *Peer) Device() *Device { return p.device }

// SendState is the furthest step the send branch has reached.
func (p *Peer) SendState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendStateLocked()
}

// RecvState is the furthest step the receive branch has reached.
func (p *Peer) RecvState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recvStateLocked()
}

func (p *Peer) baseStateLocked() State {
	switch {
	case p.device.Loaded():
		return StateDeviceReady
	case p.capabilities != nil:
		return StateCapabilitiesKnown
	}
	return StateIdle
}

func (p *Peer) sendStateLocked() State {
	if p.sendTransport == nil || p.sendTransport.Closed() {
		return p.baseStateLocked()
	}
	if p.producer != nil && !p.producer.Closed() {
		return StateProducing
	}
	return StateSendTransportCreated
}

func (p *Peer) recvStateLocked() State {
	if p.recvTransport == nil || p.recvTransport.Closed() {
		return p.baseStateLocked()
	}
	if p.consumer != nil && !p.consumer.Closed() {
		return StateConsuming
	}
	return StateRecvTransportCreated
}

func (p *Peer) Producer() *Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.producer
}

func (p *Peer) Consumer() *Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumer
}

func (p *Peer) SendTransport() *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendTransport
}

func (p *Peer) RecvTransport() *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recvTransport
}

// AcquireMedia obtains a local track of the configured kind. It may be called
// in any state; a new track replaces one that ended.
func (p *Peer) AcquireMedia(ctx context.Context) (MediaTrack, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.acquirer == nil {
		return nil, ErrNoMediaSource
	}
	track, err := p.acquirer.Acquire(ctx, p.opts.Kind)
	if err != nil {
		if errors.Is(err, ErrNoMediaSource) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNoMediaSource, err)
	}

	p.mu.Lock()
	p.track = track
	p.mu.Unlock()
	return track, nil
}

// GetRtpCapabilities asks the server for the router capabilities. It may be
// called in any state and never changes it; once the device is loaded the
// capabilities it was loaded with are kept.
func (p *Peer) GetRtpCapabilities(ctx context.Context) (domain.RtpCapabilities, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	ctx, cancel := p.requestContext(ctx)
	defer cancel()
	var resp protocol.GetRtpCapabilitiesResponse
	if err := p.ch.Request(ctx, protocol.MethodGetRtpCapabilities, nil, &resp); err != nil {
		return domain.RtpCapabilities{}, err
	}
	if len(resp.RtpCapabilities.Codecs) == 0 {
		return domain.RtpCapabilities{}, fmt.Errorf("%w: router capabilities without codecs", domain.ErrInvalidParameters)
	}

	caps := resp.RtpCapabilities
	p.mu.Lock()
	if !p.device.Loaded() {
		p.capabilities = &caps
	}
	p.mu.Unlock()
	return caps, nil
}

// CreateDevice loads the device with the capabilities fetched earlier.
func (p *Peer) CreateDevice() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := p.expect(StateCapabilitiesKnown); err != nil {
		return err
	}
	p.mu.Lock()
	caps := *p.capabilities
	p.mu.Unlock()

	if err := p.device.Load(caps); err != nil {
		return err
	}
	p.logger.Debugw("device loaded", "can_produce_audio", p.device.CanProduce(domain.MediaKindAudio),
		"can_produce_video", p.device.CanProduce(domain.MediaKindVideo))
	return nil
}

func (p *Peer) CreateSendTransport(ctx context.Context) (*Transport, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := p.expectSend(StateDeviceReady); err != nil {
		return nil, err
	}
	t, err := p.createTransport(ctx, domain.DirectionSend)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sendTransport = t
	p.producer = nil
	p.mu.Unlock()
	return t, nil
}

// ConnectSendTransportAndProduce produces the acquired track. The transport
// connects on this first produce.
func (p *Peer) ConnectSendTransportAndProduce(ctx context.Context) (*Producer, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := p.expectSend(StateSendTransportCreated); err != nil {
		return nil, err
	}

	p.mu.Lock()
	t, track := p.sendTransport, p.track
	p.mu.Unlock()
	if track == nil {
		return nil, ErrNoMediaSource
	}

	opts := ProduceOptions{Track: track, AppData: p.opts.AppData}
	if p.opts.Simulcast && track.Kind() == domain.MediaKindVideo {
		opts.Encodings = p.opts.Encodings
	}

	ctx, cancel := p.requestContext(ctx)
	defer cancel()
	producer, err := t.Produce(ctx, opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.producer = producer
	p.mu.Unlock()
	p.logger.Infow("producing", "producer_id", producer.ID(), "kind", producer.Kind())
	return producer, nil
}

func (p *Peer) CreateRecvTransport(ctx context.Context) (*Transport, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := p.expectRecv(StateDeviceReady); err != nil {
		return nil, err
	}
	t, err := p.createTransport(ctx, domain.DirectionRecv)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.recvTransport = t
	p.consumer = nil
	p.mu.Unlock()
	return t, nil
}

// ConnectRecvTransportAndConsume connects the receive transport, consumes the
// session producer and resumes the new consumer.
func (p *Peer) ConnectRecvTransportAndConsume(ctx context.Context) (*Consumer, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := p.expectRecv(StateRecvTransportCreated); err != nil {
		return nil, err
	}
	p.mu.Lock()
	t := p.recvTransport
	p.mu.Unlock()

	ctx, cancel := p.requestContext(ctx)
	defer cancel()

	if err := t.Connect(ctx); err != nil {
		return nil, err
	}

	caps, err := p.device.RtpCapabilities()
	if err != nil {
		return nil, err
	}
	var resp protocol.ConsumeResponse
	if err := p.ch.Request(ctx, protocol.MethodConsume, protocol.ConsumeRequest{RtpCapabilities: caps}, &resp); err != nil {
		return nil, err
	}

	consumer, err := t.Consume(ctx, resp.Params)
	if err != nil {
		return nil, err
	}

	var resumed protocol.ResumeConsumerResponse
	if err := p.ch.Request(ctx, protocol.MethodResumeConsumer, nil, &resumed); err != nil {
		t.CloseConsumer(consumer.ID(), ReasonClosed)
		return nil, err
	}
	consumer.resume()

	p.mu.Lock()
	p.consumer = consumer
	p.mu.Unlock()
	p.logger.Infow("consuming", "consumer_id", consumer.ID(), "producer_id", consumer.ProducerID())
	return consumer, nil
}

// CloseSendTransport asks the server to close the send transport and closes
// the local mirror. The send branch returns to DeviceReady.
func (p *Peer) CloseSendTransport(ctx context.Context) error {
	return p.closeTransport(ctx, domain.DirectionSend)
}

func (p *Peer) CloseRecvTransport(ctx context.Context) error {
	return p.closeTransport(ctx, domain.DirectionRecv)
}

func (p *Peer) closeTransport(ctx context.Context, direction domain.Direction) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	t := p.transportLocked(direction)
	p.mu.Unlock()
	if t == nil || t.Closed() {
		return fmt.Errorf("%w: no open %s transport", ErrInvalidTransition, direction)
	}

	ctx, cancel := p.requestContext(ctx)
	defer cancel()
	var resp protocol.CloseTransportResponse
	err := p.ch.Request(ctx, protocol.MethodCloseTransport,
		protocol.CloseTransportRequest{Sender: direction == domain.DirectionSend}, &resp)
	t.Close()
	return err
}

// Close tears down local state and the signaling channel.
func (p *Peer) Close() error {
	p.mu.Lock()
	send, recv, track := p.sendTransport, p.recvTransport, p.track
	p.mu.Unlock()

	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
	if track != nil {
		track.Stop()
	}
	return p.ch.Close()
}

func (p *Peer) createTransport(ctx context.Context, direction domain.Direction) (*Transport, error) {
	ctx, cancel := p.requestContext(ctx)
	defer cancel()

	var resp protocol.CreateTransportResponse
	err := p.ch.Request(ctx, protocol.MethodCreateWebRtcTransport,
		protocol.CreateTransportRequest{Sender: direction == domain.DirectionSend}, &resp)
	if err != nil {
		return nil, err
	}

	handlers := TransportHandlers{
		Connect: func(ctx context.Context, dtls domain.DtlsParameters) error {
			var ack protocol.ConnectTransportResponse
			if err := p.ch.Request(ctx, protocol.ConnectMethod(direction),
				protocol.ConnectTransportRequest{DtlsParameters: dtls}, &ack); err != nil {
				return err
			}
			if !ack.Connected {
				return fmt.Errorf("%s transport not connected", direction)
			}
			return nil
		},
	}
	if direction == domain.DirectionSend {
		handlers.Produce = func(ctx context.Context, req domain.ProduceRequest) (string, error) {
			var resp protocol.ProduceResponse
			if err := p.ch.Request(ctx, protocol.MethodProduce, req, &resp); err != nil {
				return "", err
			}
			return resp.ID, nil
		}
	}

	return newTransport(direction, resp.Params, p.device, handlers, p.logger)
}

func (p *Peer) transportLocked(direction domain.Direction) *Transport {
	if direction == domain.DirectionSend {
		return p.sendTransport
	}
	return p.recvTransport
}

func (p *Peer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opts.RequestTimeout)
}

func (p *Peer) expect(allowed ...State) error {
	p.mu.Lock()
	current := p.baseStateLocked()
	p.mu.Unlock()
	return checkState(current, allowed...)
}

func (p *Peer) expectSend(allowed ...State) error {
	p.mu.Lock()
	current := p.sendStateLocked()
	p.mu.Unlock()
	return checkState(current, allowed...)
}

func (p *Peer) expectRecv(allowed ...State) error {
	p.mu.Lock()
	current := p.recvStateLocked()
	p.mu.Unlock()
	return checkState(current, allowed...)
}

func checkState(current State, allowed ...State) error {
	for _, s := range allowed {
		if current == s {
			return nil
		}
	}
	return fmt.Errorf("%w: in state %s", ErrInvalidTransition, current)
}
