package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/internal/core/domain"
	apperrors "mediagate/pkg/errors"
	"mediagate/pkg/validation"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"request", `{"type":"request","id":1,"method":"consume","payload":{}}`, false},
		{"notification", `{"type":"notification","method":"connectSendTransport"}`, false},
		{"response", `{"type":"response","id":3,"payload":{"id":"p"}}`, false},
		{"not json", `{`, true},
		{"request without id", `{"type":"request","method":"consume"}`, true},
		{"request without method", `{"type":"request","id":1}`, true},
		{"notification without method", `{"type":"notification"}`, true},
		{"unknown type", `{"type":"event","id":1}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequestWireFormat(t *testing.T) {
	msg, err := NewRequest(7, MethodCreateWebRtcTransport, CreateTransportRequest{Sender: true})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request","id":7,"method":"createWebRtcTransport","payload":{"sender":true}}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	var req CreateTransportRequest
	require.NoError(t, decoded.DecodePayload(&req))
	assert.True(t, req.Sender)
}

func TestErrorResponseWireFormat(t *testing.T) {
	msg := NewErrorResponse(4, &Error{Code: apperrors.ErrCodeCannotConsume, Message: "cannot consume"}, NewParamsError("cannot consume"))

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"response","id":4,
		"payload":{"params":{"error":"cannot consume"}},
		"error":{"code":"CANNOT_CONSUME","message":"cannot consume"}
	}`, string(data))
}

func TestDecodePayload(t *testing.T) {
	msg := &Message{Type: TypeRequest, ID: 1, Method: MethodResumeConsumer}
	var v struct{ X int }
	assert.NoError(t, msg.DecodePayload(&v))

	msg.Payload = json.RawMessage(`{"sender":"yes"}`)
	var req CreateTransportRequest
	assert.ErrorIs(t, msg.DecodePayload(&req), ErrMalformed)
}

func TestKnownMethod(t *testing.T) {
	assert.True(t, KnownMethod(MethodProduce))
	assert.True(t, KnownMethod(MethodCloseTransport))
	assert.False(t, KnownMethod("joinRoom"))
	assert.Equal(t, MethodConnectSendTransport, ConnectMethod(domain.DirectionSend))
	assert.Equal(t, MethodConnectRecvTransport, ConnectMethod(domain.DirectionRecv))
}

func TestErrorFromErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code apperrors.ErrorCode
	}{
		{"cannot consume", fmt.Errorf("consume: %w", domain.ErrCannotConsume), apperrors.ErrCodeCannotConsume},
		{"no producer", domain.ErrNoProducer, apperrors.ErrCodePreconditionFailed},
		{"not connected", fmt.Errorf("produce: %w", domain.ErrTransportNotConnected), apperrors.ErrCodePreconditionFailed},
		{"session gone", domain.ErrSessionNotFound, apperrors.ErrCodePreconditionFailed},
		{"validation", fmt.Errorf("%w: kind", validation.ErrInvalid), apperrors.ErrCodeInvalidInput},
		{"unsupported codec", domain.ErrUnsupportedCodec, apperrors.ErrCodeInvalidInput},
		{"unknown method", fmt.Errorf("%w: joinRoom", ErrUnknownMethod), apperrors.ErrCodeInvalidInput},
		{"engine", domain.ErrEngineUnavailable, apperrors.ErrCodeServiceUnavailable},
		{"app error", apperrors.RateLimited(), apperrors.ErrCodeRateLimit},
		{"other", errors.New("boom"), apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ErrorFromErr(tt.err)
			require.NotNil(t, e)
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}

	assert.Nil(t, ErrorFromErr(nil))

	wire := &Error{Code: apperrors.ErrCodeNotFound, Message: "x"}
	assert.Same(t, wire, ErrorFromErr(fmt.Errorf("wrapped: %w", wire)))
}

func TestNotificationFor(t *testing.T) {
	method, payload, ok := NotificationFor(domain.SessionEvent{
		Type:       domain.ConsumerClosed,
		EntityID:   "c-1",
		ProducerID: "p-1",
		Reason:     "producerclose",
	})
	require.True(t, ok)
	assert.Equal(t, NotifyConsumerClosed, method)
	assert.Equal(t, ConsumerClosedNotification{ConsumerID: "c-1", ProducerID: "p-1", Reason: "producerclose"}, payload)

	method, payload, ok = NotificationFor(domain.SessionEvent{
		Type:      domain.DtlsStateChanged,
		EntityID:  "t-1",
		Direction: domain.DirectionRecv,
		DtlsState: domain.DtlsStateConnected,
	})
	require.True(t, ok)
	assert.Equal(t, NotifyDtlsStateChanged, method)
	assert.Equal(t, DtlsStateChangedNotification{TransportID: "t-1", Direction: domain.DirectionRecv, State: domain.DtlsStateConnected}, payload)

	_, _, ok = NotificationFor(domain.SessionEvent{Type: domain.SessionCreated})
	assert.False(t, ok)
}

func TestWireErrorMatchesDomainErrors(t *testing.T) {
	wrapped := fmt.Errorf("consume: %w", &Error{Code: apperrors.ErrCodeCannotConsume, Message: "cannot consume"})
	assert.True(t, errors.Is(wrapped, domain.ErrCannotConsume))
	assert.False(t, errors.Is(wrapped, domain.ErrPrerequisite))

	precondition := &Error{Code: apperrors.ErrCodePreconditionFailed, Message: "no transport"}
	assert.True(t, errors.Is(precondition, domain.ErrPrerequisite))

	invalid := &Error{Code: apperrors.ErrCodeInvalidInput, Message: "bad"}
	assert.True(t, errors.Is(invalid, validation.ErrInvalid))

	internal := &Error{Code: apperrors.ErrCodeInternal, Message: "boom"}
	assert.False(t, errors.Is(internal, domain.ErrEngineUnavailable))
}
