package peer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/pkg/utils"
)

var ErrWrongDirection = errors.New("operation not allowed on this transport direction")

// TransportHandlers carry a transport's signaling. Connect runs once, before
// the first produce or consume; Produce returns the server producer id.
type TransportHandlers struct {
	Connect func(ctx context.Context, dtls domain.DtlsParameters) error
	Produce func(ctx context.Context, req domain.ProduceRequest) (string, error)
}

type ProduceOptions struct {
	Track MediaTrack
	// Encodings selects simulcast when set. Layers without a rid are named
	// r0, r1 and so on.
	Encodings []domain.RtpEncodingParameters
	AppData   map[string]interface{}
}

// Transport mirrors one server-side WebRTC transport.
type Transport struct {
	id         string
	direction  domain.Direction
	descriptor domain.TransportDescriptor
	device     *Device
	handlers   TransportHandlers
	localDtls  domain.DtlsParameters
	cname      string

	mu        sync.Mutex
	connectMu sync.Mutex
	state     domain.TransportState
	dtlsState domain.DtlsState
	nextMid   int
	producers map[string]*Producer
	consumers map[string]*Consumer

	logger *zap.SugaredLogger
}

func newTransport(
	direction domain.Direction,
	desc domain.TransportDescriptor,
	device *Device,
	handlers TransportHandlers,
	log *zap.SugaredLogger,
) (*Transport, error) {
	if desc.ID == "" {
		return nil, fmt.Errorf("%w: transport descriptor without id", domain.ErrInvalidParameters)
	}
	if len(desc.DtlsParameters.Fingerprints) == 0 {
		return nil, fmt.Errorf("%w: transport descriptor without dtls fingerprints", domain.ErrInvalidParameters)
	}

	dtls, err := localDtlsParameters()
	if err != nil {
		return nil, err
	}

	return &Transport{
		id:         desc.ID,
		direction:  direction,
		descriptor: desc,
		device:     device,
		handlers:   handlers,
		localDtls:  dtls,
		cname:      utils.ShortID(utils.GenerateID("")),
		state:      domain.TransportStateNew,
		dtlsState:  domain.DtlsStateNew,
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		logger:     log.With("transport_id", desc.ID, "direction", direction),
	}, nil
}

// localDtlsParameters creates a fresh certificate and advertises its
// fingerprints. This end always takes the client role.
func localDtlsParameters() (domain.DtlsParameters, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return domain.DtlsParameters{}, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return domain.DtlsParameters{}, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return domain.DtlsParameters{}, fmt.Errorf("dtls fingerprints: %w", err)
	}

	params := domain.DtlsParameters{Role: domain.DtlsRoleClient}
	for _, fp := range fingerprints {
		params.Fingerprints = append(params.Fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return params, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Direction() domain.Direction { return t.direction }

func (t *Transport) Descriptor() domain.TransportDescriptor { return t.descriptor }

func (t *Transport) LocalDtlsParameters() domain.DtlsParameters { return t.localDtls }

func (t *Transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) DtlsState() domain.DtlsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtlsState
}

func (t *Transport) Closed() bool {
	return t.State() == domain.TransportStateClosed
}

// Connect sends the local DTLS parameters through the Connect handler. It is
// a no-op once connected; a failed attempt may be retried.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	switch t.state {
	case domain.TransportStateClosed:
		t.mu.Unlock()
		return fmt.Errorf("transport %s: %w", t.id, domain.ErrEntityClosed)
	case domain.TransportStateConnected:
		t.mu.Unlock()
		return nil
	}
	t.state = domain.TransportStateConnecting
	t.mu.Unlock()

	if t.handlers.Connect == nil {
		return errors.New("transport has no connect handler")
	}
	err := t.handlers.Connect(ctx, t.localDtls)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == domain.TransportStateClosed {
		return fmt.Errorf("transport %s: %w", t.id, domain.ErrEntityClosed)
	}
	if err != nil {
		t.state = domain.TransportStateNew
		return err
	}
	t.state = domain.TransportStateConnected
	return nil
}

// Produce connects the transport if needed and registers track with the
// server.
func (t *Transport) Produce(ctx context.Context, opts ProduceOptions) (*Producer, error) {
	if t.direction != domain.DirectionSend {
		return nil, ErrWrongDirection
	}
	if opts.Track == nil {
		return nil, ErrNoMediaSource
	}
	if t.Closed() {
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrEntityClosed)
	}
	select {
	case <-opts.Track.Ended():
		return nil, fmt.Errorf("%w: track %s already ended", ErrNoMediaSource, opts.Track.ID())
	default:
	}

	params, err := t.sendingRtpParameters(opts.Track.Kind(), opts.Encodings)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	if t.handlers.Produce == nil {
		return nil, errors.New("transport has no produce handler")
	}

	id, err := t.handlers.Produce(ctx, domain.ProduceRequest{
		Kind:          opts.Track.Kind(),
		RtpParameters: params,
		AppData:       opts.AppData,
	})
	if err != nil {
		return nil, err
	}

	producer := newProducer(id, opts.Track, params, opts.AppData)
	t.mu.Lock()
	if t.state == domain.TransportStateClosed {
		t.mu.Unlock()
		producer.close(ReasonTransportClose)
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrEntityClosed)
	}
	t.producers[id] = producer
	t.mu.Unlock()

	go t.watchTrack(producer)
	return producer, nil
}

func (t *Transport) watchTrack(p *Producer) {
	select {
	case <-p.track.Ended():
		if p.close(ReasonTrackEnded) {
			t.logger.Infow("track ended, producer closed", "producer_id", p.id)
		}
	case <-p.Done():
	}
	t.mu.Lock()
	delete(t.producers, p.id)
	t.mu.Unlock()
}

// Consume materializes a consumer the server already created. The transport
// must be connected first and the device must be able to receive the codec.
func (t *Transport) Consume(ctx context.Context, desc domain.ConsumerDescriptor) (*Consumer, error) {
	if t.direction != domain.DirectionRecv {
		return nil, ErrWrongDirection
	}
	if desc.ID == "" || !desc.Kind.Valid() {
		return nil, fmt.Errorf("%w: incomplete consumer parameters", domain.ErrInvalidParameters)
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	if !t.canReceive(desc.RtpParameters) {
		return nil, fmt.Errorf("%w: no codec in consumer parameters is supported locally", domain.ErrCannotConsume)
	}

	consumer := newConsumer(desc)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == domain.TransportStateClosed {
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrEntityClosed)
	}
	t.consumers[consumer.id] = consumer
	return consumer, nil
}

func (t *Transport) canReceive(params domain.RtpParameters) bool {
	caps, err := t.device.RtpCapabilities()
	if err != nil {
		return false
	}
	for _, codec := range params.Codecs {
		if codec.IsRtx() {
			continue
		}
		for _, c := range caps.Codecs {
			if strings.EqualFold(c.MimeType, codec.MimeType) && c.ClockRate == codec.ClockRate {
				return true
			}
		}
	}
	return false
}

// HandleDtlsState records a server-reported DTLS state. A failed or closed
// handshake closes the transport.
func (t *Transport) HandleDtlsState(state domain.DtlsState) {
	t.mu.Lock()
	t.dtlsState = state
	t.mu.Unlock()

	if state == domain.DtlsStateFailed || state == domain.DtlsStateClosed {
		t.Close()
	}
}

// CloseConsumer closes a local consumer whose server side went away.
func (t *Transport) CloseConsumer(id, reason string) bool {
	t.mu.Lock()
	c, ok := t.consumers[id]
	delete(t.consumers, id)
	t.mu.Unlock()
	return ok && c.close(reason)
}

// CloseProducer closes a local producer whose server side went away.
func (t *Transport) CloseProducer(id, reason string) bool {
	t.mu.Lock()
	p, ok := t.producers[id]
	t.mu.Unlock()
	return ok && p.close(reason)
}

// Close closes the transport with everything created on it.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == domain.TransportStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = domain.TransportStateClosed
	producers := t.producers
	consumers := t.consumers
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.mu.Unlock()

	for _, p := range producers {
		p.close(ReasonTransportClose)
	}
	for _, c := range consumers {
		c.close(ReasonTransportClose)
	}
}

func (t *Transport) sendingRtpParameters(kind domain.MediaKind, encodings []domain.RtpEncodingParameters) (domain.RtpParameters, error) {
	codec, rtx, err := t.device.sendCodecs(kind)
	if err != nil {
		return domain.RtpParameters{}, err
	}

	params := domain.RtpParameters{
		Mid: t.allocateMid(),
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: codec.RtcpFeedback,
		}},
		HeaderExtensions: t.device.headerExtensions(kind),
		Rtcp:             domain.RtcpParameters{Cname: t.cname, ReducedSize: true},
	}
	if rtx != nil {
		params.Codecs = append(params.Codecs, domain.RtpCodecParameters{
			MimeType:    rtx.MimeType,
			PayloadType: rtx.PreferredPayloadType,
			ClockRate:   rtx.ClockRate,
			Parameters:  map[string]interface{}{"apt": int(codec.PreferredPayloadType)},
		})
	}

	if len(encodings) > 0 {
		for i, enc := range encodings {
			if enc.Rid == "" && enc.Ssrc == 0 {
				enc.Rid = "r" + strconv.Itoa(i)
			}
			params.Encodings = append(params.Encodings, enc)
		}
		return params, nil
	}

	enc := domain.RtpEncodingParameters{Ssrc: randomSsrc()}
	if rtx != nil {
		enc.Rtx = &domain.RtpEncodingRtx{Ssrc: randomSsrc()}
	}
	params.Encodings = []domain.RtpEncodingParameters{enc}
	return params, nil
}

func (t *Transport) allocateMid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	return mid
}

func randomSsrc() uint32 {
	return uint32(mrand.Int31n(900000000)) + 100000000
}
