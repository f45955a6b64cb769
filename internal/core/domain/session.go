package domain

import "time"

type SessionID string
type ConnectionID string

// ConsumerDescriptor is returned to a peer so it can materialize its local
// consumer.
type ConsumerDescriptor struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

type ProduceRequest struct {
	Kind          MediaKind              `json:"kind"`
	RtpParameters RtpParameters          `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

// SessionSnapshot is a read-only view of one session's registry state.
type SessionSnapshot struct {
	ID            SessionID          `json:"id"`
	RouterID      string             `json:"router_id"`
	Connections   []ConnectionID     `json:"connections"`
	SendTransport *TransportSnapshot `json:"send_transport,omitempty"`
	RecvTransport *TransportSnapshot `json:"recv_transport,omitempty"`
	Producer      *ProducerSnapshot  `json:"producer,omitempty"`
	Consumer      *ConsumerSnapshot  `json:"consumer,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

type TransportSnapshot struct {
	ID        string         `json:"id"`
	Direction Direction      `json:"direction"`
	State     TransportState `json:"state"`
	DtlsState DtlsState      `json:"dtls_state"`
	Owner     ConnectionID   `json:"owner"`
}

type ProducerSnapshot struct {
	ID        string       `json:"id"`
	Kind      MediaKind    `json:"kind"`
	Encodings int          `json:"encodings"`
	Owner     ConnectionID `json:"owner"`
}

type ConsumerSnapshot struct {
	ID         string       `json:"id"`
	ProducerID string       `json:"producer_id"`
	Kind       MediaKind    `json:"kind"`
	Paused     bool         `json:"paused"`
	Owner      ConnectionID `json:"owner"`
}
