package domain

// EventType names a lifecycle notification emitted by a media engine entity.
type EventType string

const (
	EventDtlsStateChange EventType = "dtlsstatechange"
	EventClose           EventType = "close"
	EventTransportClose  EventType = "transportclose"
	EventProducerClose   EventType = "producerclose"
	EventRouterClose     EventType = "routerclose"
)

// EntityEvent is one item on an engine entity's event stream. The stream is
// closed after the entity's final close event.
type EntityEvent struct {
	Type      EventType
	EntityID  string
	DtlsState DtlsState
}

// Closing reports whether the event ends the entity's lifecycle.
func (e EntityEvent) Closing() bool {
	switch e.Type {
	case EventClose, EventTransportClose, EventProducerClose, EventRouterClose:
		return true
	}
	return false
}

// SessionEventType names registry-level lifecycle events published for
// observers outside the process.
type SessionEventType string

const (
	SessionCreated     SessionEventType = "session.created"
	SessionClosed      SessionEventType = "session.closed"
	TransportCreated   SessionEventType = "transport.created"
	TransportConnected SessionEventType = "transport.connected"
	TransportClosed    SessionEventType = "transport.closed"
	ProducerCreated    SessionEventType = "producer.created"
	ProducerClosed     SessionEventType = "producer.closed"
	ConsumerCreated    SessionEventType = "consumer.created"
	ConsumerResumed    SessionEventType = "consumer.resumed"
	ConsumerClosed     SessionEventType = "consumer.closed"
	DtlsStateChanged   SessionEventType = "transport.dtls_state"
)

type SessionEvent struct {
	Type         SessionEventType `json:"type"`
	SessionID    SessionID        `json:"session_id"`
	ConnectionID ConnectionID     `json:"connection_id,omitempty"`
	EntityID     string           `json:"entity_id,omitempty"`
	Direction    Direction        `json:"direction,omitempty"`
	Kind         MediaKind        `json:"kind,omitempty"`
	ProducerID   string           `json:"producer_id,omitempty"`
	DtlsState    DtlsState        `json:"dtls_state,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}
