package services

import (
	"context"
	"time"

	"mediagate/internal/core/domain"
)

// watch pumps an engine entity's event stream into the registry until the
// entity closes. A stream that ends without a closing event is handled as a
// close of the entity.
func (s *SessionService) watch(sess *session, entityID string, events <-chan domain.EntityEvent, handle func(*session, domain.EntityEvent)) {
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		closed := false
		for ev := range events {
			closed = closed || ev.Closing()
			handle(sess, ev)
		}
		if !closed {
			s.logger.Warnw("entity event stream ended without close event",
				"session_id", sess.id,
				"entity_id", entityID,
			)
			handle(sess, domain.EntityEvent{Type: domain.EventClose, EntityID: entityID})
		}
	}()
}

func (s *SessionService) onRouterEvent(sess *session, ev domain.EntityEvent) {
	if !ev.Closing() {
		return
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	events := sess.teardownLocked(string(ev.Type))
	conns := sess.connectionsLocked()
	ctx := context.Background()
	_ = s.repo.Remove(ctx, sess.id)
	sess.mu.Unlock()

	s.logger.Warnw("router closed, session torn down",
		"session_id", sess.id,
		"router_id", ev.EntityID,
	)
	events = append(events, domain.SessionEvent{Type: domain.SessionClosed, EntityID: ev.EntityID, Reason: string(ev.Type)})
	s.dispatch(ctx, sess, conns, events)
}

func (s *SessionService) onTransportEvent(direction domain.Direction) func(*session, domain.EntityEvent) {
	return func(sess *session, ev domain.EntityEvent) {
		sess.mu.Lock()
		entry := sess.transports[direction]
		if entry == nil || entry.transport.ID() != ev.EntityID {
			sess.mu.Unlock()
			return
		}

		var events []domain.SessionEvent
		fault := false
		switch {
		case ev.Type == domain.EventDtlsStateChange:
			events = append(events, domain.SessionEvent{
				Type:         domain.DtlsStateChanged,
				ConnectionID: entry.owner,
				EntityID:     ev.EntityID,
				Direction:    direction,
				DtlsState:    ev.DtlsState,
			})
			switch ev.DtlsState {
			case domain.DtlsStateClosed:
				fault = true
				events = append(events, sess.dropTransportLocked(direction, reasonDtlsClosed)...)
			case domain.DtlsStateFailed:
				fault = true
				events = append(events, sess.dropTransportLocked(direction, reasonDtlsFailed)...)
			}
		case ev.Closing():
			events = append(events, sess.dropTransportLocked(direction, string(ev.Type))...)
		}
		conns := sess.connectionsLocked()
		sess.mu.Unlock()

		if fault {
			s.logger.Warnw("transport dtls closed, closing transport and dependents",
				"session_id", sess.id,
				"transport_id", ev.EntityID,
				"direction", direction,
				"dtls_state", ev.DtlsState,
			)
		}
		s.dispatch(context.Background(), sess, conns, events)
	}
}

func (s *SessionService) onProducerEvent(sess *session, ev domain.EntityEvent) {
	if !ev.Closing() {
		return
	}

	sess.mu.Lock()
	if sess.producer == nil || sess.producer.producer.ID() != ev.EntityID {
		sess.mu.Unlock()
		return
	}
	events := sess.dropProducerLocked(string(ev.Type))
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.dispatch(context.Background(), sess, conns, events)
}

func (s *SessionService) onConsumerEvent(sess *session, ev domain.EntityEvent) {
	if !ev.Closing() {
		return
	}

	sess.mu.Lock()
	if sess.consumer == nil || sess.consumer.consumer.ID() != ev.EntityID {
		sess.mu.Unlock()
		return
	}
	events := sess.dropConsumerLocked(string(ev.Type))
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.dispatch(context.Background(), sess, conns, events)
}

// peerVisible lists the registry events peers are notified about.
var peerVisible = map[domain.SessionEventType]bool{
	domain.TransportClosed:  true,
	domain.ProducerClosed:   true,
	domain.ConsumerClosed:   true,
	domain.DtlsStateChanged: true,
}

// dispatch records, publishes and forwards registry events. It must be called
// without holding the session lock.
func (s *SessionService) dispatch(ctx context.Context, sess *session, conns []domain.ConnectionID, events []domain.SessionEvent) {
	if len(events) == 0 {
		return
	}

	s.notifierMu.RLock()
	notifier := s.notifier
	s.notifierMu.RUnlock()

	for _, ev := range events {
		ev.SessionID = sess.id
		s.record(ev)

		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, ev); err != nil {
				s.logger.Warnw("failed to publish session event",
					"session_id", sess.id,
					"event", ev.Type,
					"error", err,
				)
			}
		}

		if notifier == nil || !peerVisible[ev.Type] {
			continue
		}
		for _, conn := range conns {
			if err := notifier.NotifyPeer(ctx, conn, ev); err != nil {
				log := s.logger.Debugw
				if ev.Type != domain.DtlsStateChanged {
					// The peer keeps an entity the server no longer has.
					log = s.logger.Warnw
				}
				log("failed to notify peer",
					"session_id", sess.id,
					"connection_id", conn,
					"event", ev.Type,
					"error", err,
				)
			}
		}
	}
}

func (s *SessionService) record(ev domain.SessionEvent) {
	switch ev.Type {
	case domain.SessionCreated:
		s.metrics.RecordSessionCreated()
	case domain.SessionClosed:
		s.metrics.RecordSessionClosed()
	case domain.TransportCreated:
		s.metrics.RecordTransportCreated(ev.Direction)
	case domain.TransportClosed:
		s.metrics.RecordTransportClosed(ev.Direction, ev.Reason)
	case domain.ProducerCreated:
		s.metrics.RecordProducerCreated(ev.Kind)
	case domain.ProducerClosed:
		s.metrics.RecordProducerClosed(ev.Kind)
	case domain.ConsumerCreated:
		s.metrics.RecordConsumerCreated(ev.Kind)
	case domain.ConsumerClosed:
		s.metrics.RecordConsumerClosed(ev.Kind)
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordSessionCreated() {}
func (noopMetrics) RecordSessionClosed() {}
func (noopMetrics) RecordPeerConnected() {}
func (noopMetrics) RecordPeerDisconnected() {}
func (noopMetrics) RecordTransportCreated(domain.Direction) {}
func (noopMetrics) RecordTransportClosed(domain.Direction, string) {}
func (noopMetrics) RecordProducerCreated(domain.MediaKind) {}
func (noopMetrics) RecordProducerClosed(domain.MediaKind) {}
func (noopMetrics) RecordConsumerCreated(domain.MediaKind) {}
func (noopMetrics) RecordConsumerClosed(domain.MediaKind) {}
func (noopMetrics) RecordConsumeRejected() {}
func (noopMetrics) RecordRequest(method, code string, duration time.Duration) {}
