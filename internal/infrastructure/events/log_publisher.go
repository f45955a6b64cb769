package events

import (
	"context"

	"go.uber.org/zap"

	"mediagate/internal/core/domain"
)

// LogPublisher writes session lifecycle events to the process log. It is the
// publisher used when Redis fan-out is disabled or unreachable.
type LogPublisher struct {
	logger *zap.SugaredLogger
}

func NewLogPublisher(logger *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event domain.SessionEvent) error {
	fields := []interface{}{
		"event", event.Type,
		"session_id", event.SessionID,
	}
	if event.ConnectionID != "" {
		fields = append(fields, "connection_id", event.ConnectionID)
	}
	if event.EntityID != "" {
		fields = append(fields, "entity_id", event.EntityID)
	}
	if event.Direction != "" {
		fields = append(fields, "direction", event.Direction)
	}
	if event.Kind != "" {
		fields = append(fields, "kind", event.Kind)
	}
	if event.DtlsState != "" {
		fields = append(fields, "dtls_state", event.DtlsState)
	}
	if event.Reason != "" {
		fields = append(fields, "reason", event.Reason)
	}

	switch event.Type {
	case domain.SessionCreated, domain.SessionClosed:
		p.logger.Infow("session event", fields...)
	default:
		p.logger.Debugw("session event", fields...)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }
