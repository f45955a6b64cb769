package protocol

import "mediagate/internal/core/domain"

// Request methods, named as the browser client library names them.
const (
	MethodGetRtpCapabilities    = "getRtpCapabilities"
	MethodCreateWebRtcTransport = "createWebRtcTransport"
	MethodConnectSendTransport  = "connectSendTransport"
	MethodConnectRecvTransport  = "connectRecvTransport"
	MethodProduce               = "produceTransport"
	MethodConsume               = "consume"
	MethodResumeConsumer        = "resumeConsumer"
	MethodCloseTransport        = "closeTransport"
)

// Notification methods pushed by the server.
const (
	NotifyTransportClosed  = "transportClosed"
	NotifyProducerClosed   = "producerClosed"
	NotifyConsumerClosed   = "consumerClosed"
	NotifyDtlsStateChanged = "dtlsStateChanged"
	NotifyError            = "error"
)

var requestMethods = map[string]bool{
	MethodGetRtpCapabilities:    true,
	MethodCreateWebRtcTransport: true,
	MethodConnectSendTransport:  true,
	MethodConnectRecvTransport:  true,
	MethodProduce:               true,
	MethodConsume:               true,
	MethodResumeConsumer:        true,
	MethodCloseTransport:        true,
}

// KnownMethod reports whether method is a request method the server handles.
func KnownMethod(method string) bool {
	return requestMethods[method]
}

// ConnectMethod returns the connect method for a transport direction.
func ConnectMethod(direction domain.Direction) string {
	if direction == domain.DirectionSend {
		return MethodConnectSendTransport
	}
	return MethodConnectRecvTransport
}
