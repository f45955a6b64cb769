package ports

import (
	"context"
	"time"

	"mediagate/internal/core/domain"
)

// SessionService is the server side of the negotiation protocol.
type SessionService interface {
	Join(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID) error
	Leave(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID) error

	GetRtpCapabilities(ctx context.Context, sessionID domain.SessionID) (domain.RtpCapabilities, error)
	CreateTransport(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID, direction domain.Direction) (domain.TransportDescriptor, error)
	ConnectTransport(ctx context.Context, sessionID domain.SessionID, direction domain.Direction, dtls domain.DtlsParameters) error
	CloseTransport(ctx context.Context, sessionID domain.SessionID, direction domain.Direction) error
	Produce(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID, req domain.ProduceRequest) (string, error)
	Consume(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID, rtpCapabilities domain.RtpCapabilities) (domain.ConsumerDescriptor, error)
	ResumeConsumer(ctx context.Context, sessionID domain.SessionID) error

	GetSession(ctx context.Context, sessionID domain.SessionID) (domain.SessionSnapshot, error)
	ListSessions(ctx context.Context) ([]domain.SessionSnapshot, error)
}

// PeerNotifier pushes registry events to a connected peer.
type PeerNotifier interface {
	NotifyPeer(ctx context.Context, connID domain.ConnectionID, event domain.SessionEvent) error
}

// EventPublisher fans registry lifecycle events out of the process.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.SessionEvent) error
	Close() error
}

// MetricsRecorder receives registry and channel level measurements.
type MetricsRecorder interface {
	RecordSessionCreated()
	RecordSessionClosed()
	RecordPeerConnected()
	RecordPeerDisconnected()
	RecordTransportCreated(direction domain.Direction)
	RecordTransportClosed(direction domain.Direction, reason string)
	RecordProducerCreated(kind domain.MediaKind)
	RecordProducerClosed(kind domain.MediaKind)
	RecordConsumerCreated(kind domain.MediaKind)
	RecordConsumerClosed(kind domain.MediaKind)
	RecordConsumeRejected()
	RecordRequest(method, code string, duration time.Duration)
}
