package webrtc

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// Transport is a WebRTC transport on a router. Producers and consumers
// created on it close with it.
type Transport struct {
	id     string
	router *Router
	logger *zap.SugaredLogger
	port   uint16

	iceParameters domain.IceParameters
	iceCandidates []domain.IceCandidate
	localDtls     domain.DtlsParameters
	appData       map[string]interface{}

	mu         sync.RWMutex
	dtlsState  domain.DtlsState
	remoteDtls *domain.DtlsParameters
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	nextMid    int
	closed     bool

	events *eventStream
}

var _ ports.Transport = (*Transport)(nil)

func (t *Transport) ID() string { return t.id }

func (t *Transport) Events() <-chan domain.EntityEvent { return t.events.channel() }

func (t *Transport) Descriptor() domain.TransportDescriptor {
	return domain.TransportDescriptor{
		ID:             t.id,
		IceParameters:  t.iceParameters,
		IceCandidates:  t.iceCandidates,
		DtlsParameters: t.localDtls,
	}
}

func (t *Transport) DtlsState() domain.DtlsState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dtlsState
}

func (t *Transport) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Connect supplies the remote DTLS parameters. The in-process engine has no
// network leg to negotiate, so the handshake completes as soon as a remote
// fingerprint is known.
func (t *Transport) Connect(ctx context.Context, remote domain.DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(remote.Fingerprints) == 0 {
		return fmt.Errorf("%w: dtlsParameters without fingerprints", domain.ErrInvalidParameters)
	}
	switch remote.Role {
	case "", domain.DtlsRoleAuto, domain.DtlsRoleClient, domain.DtlsRoleServer:
	default:
		return fmt.Errorf("%w: invalid dtls role %q", domain.ErrInvalidParameters, remote.Role)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrEntityClosed
	}
	if t.remoteDtls != nil {
		t.mu.Unlock()
		return domain.ErrTransportAlreadyConnected
	}
	remoteCopy := remote
	t.remoteDtls = &remoteCopy
	t.localDtls.Role = localDtlsRole(remote.Role)
	t.mu.Unlock()

	t.setDtlsState(domain.DtlsStateConnecting)
	t.setDtlsState(domain.DtlsStateConnected)
	return nil
}

func localDtlsRole(remote domain.DtlsRole) domain.DtlsRole {
	if remote == domain.DtlsRoleServer {
		return domain.DtlsRoleClient
	}
	return domain.DtlsRoleServer
}

// HandleRemoteDtlsState records a DTLS state reported by the remote side, such
// as a close_notify alert or a handshake failure.
func (t *Transport) HandleRemoteDtlsState(state domain.DtlsState) {
	t.setDtlsState(state)
}

func (t *Transport) setDtlsState(state domain.DtlsState) {
	t.mu.Lock()
	if t.closed || t.dtlsState == state {
		t.mu.Unlock()
		return
	}
	t.dtlsState = state
	t.mu.Unlock()

	t.logger.Debugw("transport dtls state changed",
		"transport_id", t.id,
		"dtls_state", state,
	)
	t.events.emit(domain.EntityEvent{Type: domain.EventDtlsStateChange, DtlsState: state})
}

func (t *Transport) Produce(ctx context.Context, options ports.ProducerOptions) (ports.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateProducerParameters(options.Kind, options.RtpParameters, t.router.caps); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrEntityClosed
	}
	params := options.RtpParameters
	if params.Mid == "" {
		params.Mid = t.allocateMid()
	}
	p := newProducer(t, options.Kind, params, consumableRtpParameters(options.Kind, params, t.router.caps))
	p.appData = options.AppData
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)

	t.logger.Debugw("producer created",
		"transport_id", t.id,
		"producer_id", p.id,
		"kind", p.kind,
		"encodings", len(params.Encodings),
	)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, options ports.ConsumerOptions) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRtpCapabilities(options.RtpCapabilities); err != nil {
		return nil, err
	}

	producer, ok := t.router.producer(options.ProducerID)
	if !ok {
		return nil, fmt.Errorf("%w: producer %s not found", domain.ErrCannotConsume, options.ProducerID)
	}
	if !canConsume(producer.consumable, options.RtpCapabilities) {
		return nil, fmt.Errorf("%w: no codec in common with producer %s", domain.ErrCannotConsume, producer.id)
	}

	params := consumerRtpParameters(producer.consumable, options.RtpCapabilities)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrEntityClosed
	}
	params.Mid = t.allocateMid()
	c := newConsumer(t, producer, params, options.Paused)
	t.consumers[c.id] = c
	t.mu.Unlock()

	if err := producer.addConsumer(c); err != nil {
		t.removeConsumer(c.id)
		return nil, fmt.Errorf("%w: %v", domain.ErrCannotConsume, err)
	}

	t.logger.Debugw("consumer created",
		"transport_id", t.id,
		"consumer_id", c.id,
		"producer_id", producer.id,
		"paused", options.Paused,
	)

	if !options.Paused {
		c.requestKeyFrame()
	}
	return c, nil
}

// allocateMid must be called with t.mu held.
func (t *Transport) allocateMid() string {
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	return mid
}

func (t *Transport) Close() {
	t.close(domain.EventClose, true)
}

func (t *Transport) close(reason domain.EventType, detachFromRouter bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.dtlsState = domain.DtlsStateClosed
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.mu.Unlock()

	for _, p := range producers {
		p.close(domain.EventTransportClose, false)
	}
	for _, c := range consumers {
		c.close(domain.EventTransportClose, false)
	}

	t.router.engine.ports.release(t.port)
	if detachFromRouter {
		t.router.removeTransport(t.id)
	}
	t.events.finish(reason)

	t.logger.Debugw("transport closed",
		"transport_id", t.id,
		"reason", reason,
	)
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func newID() string {
	return uuid.NewString()
}
