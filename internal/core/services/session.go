package services

import (
	"sync"
	"time"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// Reasons attached to registry close events.
const (
	reasonClosed     = "closed"
	reasonReplaced   = "replaced"
	reasonDisconnect = "disconnect"
	reasonDtlsClosed = "dtls_closed"
	reasonDtlsFailed = "dtls_failed"
	reasonEmpty      = "empty"
)

type transportEntry struct {
	transport ports.Transport
	direction domain.Direction
	owner     domain.ConnectionID
	state     domain.TransportState
}

type producerEntry struct {
	producer ports.Producer
	owner    domain.ConnectionID
}

type consumerEntry struct {
	consumer ports.Consumer
	owner    domain.ConnectionID
}

// session is the registry state of one peer group: one router and at most one
// transport per direction, one producer and one consumer.
type session struct {
	id        domain.SessionID
	createdAt time.Time

	mu          sync.Mutex
	router      ports.Router
	connections []domain.ConnectionID
	transports  map[domain.Direction]*transportEntry
	producer    *producerEntry
	consumer    *consumerEntry
	closed      bool
}

var _ ports.Session = (*session)(nil)

func newSession(id domain.SessionID, router ports.Router) *session {
	return &session{
		id:         id,
		createdAt:  time.Now(),
		router:     router,
		transports: make(map[domain.Direction]*transportEntry),
	}
}

func (s *session) ID() domain.SessionID { return s.id }

func (s *session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.SessionSnapshot{
		ID:          s.id,
		Connections: s.connectionsLocked(),
		CreatedAt:   s.createdAt,
	}
	if s.router != nil {
		snap.RouterID = s.router.ID()
	}
	if entry := s.transports[domain.DirectionSend]; entry != nil {
		snap.SendTransport = entry.snapshot()
	}
	if entry := s.transports[domain.DirectionRecv]; entry != nil {
		snap.RecvTransport = entry.snapshot()
	}
	if s.producer != nil {
		snap.Producer = &domain.ProducerSnapshot{
			ID:        s.producer.producer.ID(),
			Kind:      s.producer.producer.Kind(),
			Encodings: len(s.producer.producer.RtpParameters().Encodings),
			Owner:     s.producer.owner,
		}
	}
	if s.consumer != nil {
		snap.Consumer = &domain.ConsumerSnapshot{
			ID:         s.consumer.consumer.ID(),
			ProducerID: s.consumer.consumer.ProducerID(),
			Kind:       s.consumer.consumer.Kind(),
			Paused:     s.consumer.consumer.Paused(),
			Owner:      s.consumer.owner,
		}
	}
	return snap
}

func (e *transportEntry) snapshot() *domain.TransportSnapshot {
	return &domain.TransportSnapshot{
		ID:        e.transport.ID(),
		Direction: e.direction,
		State:     e.state,
		DtlsState: e.transport.DtlsState(),
		Owner:     e.owner,
	}
}

func (s *session) connectionsLocked() []domain.ConnectionID {
	out := make([]domain.ConnectionID, len(s.connections))
	copy(out, s.connections)
	return out
}

func (s *session) addConnectionLocked(connID domain.ConnectionID) {
	for _, c := range s.connections {
		if c == connID {
			return
		}
	}
	s.connections = append(s.connections, connID)
}

func (s *session) removeConnectionLocked(connID domain.ConnectionID) bool {
	for i, c := range s.connections {
		if c == connID {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			return true
		}
	}
	return false
}

// dropTransportLocked closes the transport of one direction together with the
// producer or consumer that depends on it.
func (s *session) dropTransportLocked(direction domain.Direction, reason string) []domain.SessionEvent {
	entry := s.transports[direction]
	if entry == nil {
		return nil
	}
	delete(s.transports, direction)

	var events []domain.SessionEvent
	switch direction {
	case domain.DirectionSend:
		events = append(events, s.dropProducerLocked("transportclose")...)
	case domain.DirectionRecv:
		events = append(events, s.dropConsumerLocked("transportclose")...)
	}

	entry.transport.Close()
	return append(events, domain.SessionEvent{
		Type:         domain.TransportClosed,
		ConnectionID: entry.owner,
		EntityID:     entry.transport.ID(),
		Direction:    direction,
		Reason:       reason,
	})
}

func (s *session) dropProducerLocked(reason string) []domain.SessionEvent {
	entry := s.producer
	if entry == nil {
		return nil
	}
	s.producer = nil

	var events []domain.SessionEvent
	if s.consumer != nil && s.consumer.consumer.ProducerID() == entry.producer.ID() {
		events = append(events, s.dropConsumerLocked("producerclose")...)
	}

	entry.producer.Close()
	return append(events, domain.SessionEvent{
		Type:         domain.ProducerClosed,
		ConnectionID: entry.owner,
		EntityID:     entry.producer.ID(),
		Kind:         entry.producer.Kind(),
		Reason:       reason,
	})
}

func (s *session) dropConsumerLocked(reason string) []domain.SessionEvent {
	entry := s.consumer
	if entry == nil {
		return nil
	}
	s.consumer = nil

	entry.consumer.Close()
	return []domain.SessionEvent{{
		Type:         domain.ConsumerClosed,
		ConnectionID: entry.owner,
		EntityID:     entry.consumer.ID(),
		ProducerID:   entry.consumer.ProducerID(),
		Kind:         entry.consumer.Kind(),
		Reason:       reason,
	}}
}

// teardownLocked drops every entity and marks the session closed.
func (s *session) teardownLocked(reason string) []domain.SessionEvent {
	var events []domain.SessionEvent
	for _, dir := range []domain.Direction{domain.DirectionSend, domain.DirectionRecv} {
		events = append(events, s.dropTransportLocked(dir, reason)...)
	}
	events = append(events, s.dropProducerLocked(reason)...)
	events = append(events, s.dropConsumerLocked(reason)...)
	s.closed = true
	return events
}
