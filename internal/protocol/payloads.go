package protocol

import "mediagate/internal/core/domain"

type GetRtpCapabilitiesResponse struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type CreateTransportRequest struct {
	Sender bool `json:"sender"`
}

type CreateTransportResponse struct {
	Params domain.TransportDescriptor `json:"params"`
}

type ConnectTransportRequest struct {
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
}

type ConnectTransportResponse struct {
	Connected bool `json:"connected"`
}

type ProduceRequest = domain.ProduceRequest

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	Params domain.ConsumerDescriptor `json:"params"`
}

type ResumeConsumerResponse struct {
	Resumed bool `json:"resumed"`
}

type CloseTransportRequest struct {
	Sender bool `json:"sender"`
}

type CloseTransportResponse struct {
	Closed bool `json:"closed"`
}

// ParamsError is the `{params:{error}}` body createWebRtcTransport and consume
// return next to the envelope error.
type ParamsError struct {
	Params struct {
		Error string `json:"error"`
	} `json:"params"`
}

func NewParamsError(message string) ParamsError {
	var p ParamsError
	p.Params.Error = message
	return p
}

type TransportClosedNotification struct {
	TransportID string           `json:"transportId"`
	Direction   domain.Direction `json:"direction"`
	Reason      string           `json:"reason,omitempty"`
}

type ProducerClosedNotification struct {
	ProducerID string `json:"producerId"`
	Reason     string `json:"reason,omitempty"`
}

type ConsumerClosedNotification struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type DtlsStateChangedNotification struct {
	TransportID string           `json:"transportId"`
	Direction   domain.Direction `json:"direction"`
	State       domain.DtlsState `json:"state"`
}

// ErrorNotification reports a failed fire-and-forget step.
type ErrorNotification struct {
	Method string `json:"method"`
	Error  *Error `json:"error"`
}

// NotificationFor translates a registry event into a peer notification. ok is
// false for events peers are not told about.
func NotificationFor(ev domain.SessionEvent) (method string, payload interface{}, ok bool) {
	switch ev.Type {
	case domain.TransportClosed:
		return NotifyTransportClosed, TransportClosedNotification{
			TransportID: ev.EntityID,
			Direction:   ev.Direction,
			Reason:      ev.Reason,
		}, true
	case domain.ProducerClosed:
		return NotifyProducerClosed, ProducerClosedNotification{
			ProducerID: ev.EntityID,
			Reason:     ev.Reason,
		}, true
	case domain.ConsumerClosed:
		return NotifyConsumerClosed, ConsumerClosedNotification{
			ConsumerID: ev.EntityID,
			ProducerID: ev.ProducerID,
			Reason:     ev.Reason,
		}, true
	case domain.DtlsStateChanged:
		return NotifyDtlsStateChanged, DtlsStateChangedNotification{
			TransportID: ev.EntityID,
			Direction:   ev.Direction,
			State:       ev.DtlsState,
		}, true
	}
	return "", nil, false
}
