package ports

import (
	"context"

	"mediagate/internal/core/domain"
)

// MediaEngine is the media routing engine boundary. Implementations own the
// packet plane; the registry only drives their control plane.
type MediaEngine interface {
	CreateRouter(ctx context.Context, mediaCodecs []domain.RtpCodecCapability) (Router, error)
	// Died is closed when the engine becomes unusable. It never fires for an
	// orderly Close.
	Died() <-chan struct{}
	Err() error
	Close() error
}

type ListenIP struct {
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announced_ip"`
}

type WebRtcTransportOptions struct {
	ListenIPs []ListenIP
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
	AppData   map[string]interface{}
}

type Router interface {
	ID() string
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID string, rtpCapabilities domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, options WebRtcTransportOptions) (Transport, error)
	Close()
	Closed() bool
	Events() <-chan domain.EntityEvent
}

type ProducerOptions struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]interface{}
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities domain.RtpCapabilities
	Paused          bool
}

type Transport interface {
	ID() string
	Descriptor() domain.TransportDescriptor
	DtlsState() domain.DtlsState
	Connect(ctx context.Context, remote domain.DtlsParameters) error
	Produce(ctx context.Context, options ProducerOptions) (Producer, error)
	Consume(ctx context.Context, options ConsumerOptions) (Consumer, error)
	Close()
	Closed() bool
	Events() <-chan domain.EntityEvent
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Close()
	Closed() bool
	Events() <-chan domain.EntityEvent
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	Resume(ctx context.Context) error
	Close()
	Closed() bool
	Events() <-chan domain.EntityEvent
}
