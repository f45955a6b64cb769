package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"mediagate/internal/core/domain"
	"mediagate/internal/protocol"
	apperrors "mediagate/pkg/errors"
	"mediagate/pkg/logger"
	"mediagate/pkg/tracing"
)

// result is what one step handler produced. failure is the payload sent next
// to the envelope error, for steps whose clients read errors from the payload.
type result struct {
	payload interface{}
	failure interface{}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, conn *connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.rejectFrame(ctx, conn, data, err)
		return
	}

	if msg.Type == protocol.TypeResponse {
		s.ctxLogger.Sugar(ctx).Debugw("ignoring response from peer", "id", msg.ID)
		return
	}

	if conn.limiter != nil && !conn.limiter.Allow() {
		rateErr := apperrors.RateLimited()
		if msg.Type == protocol.TypeRequest {
			_ = conn.enqueue(ctx, protocol.NewErrorResponse(msg.ID, protocol.ErrorFromErr(rateErr), nil))
		} else {
			_ = conn.enqueue(ctx, errorNotification(msg.Method, rateErr))
		}
		return
	}

	switch msg.Type {
	case protocol.TypeRequest:
		s.handleRequest(ctx, conn, msg)
	case protocol.TypeNotification:
		s.handleNotification(ctx, conn, msg)
	}
}

// rejectFrame answers an undecodable frame. When the frame still carries a
// request id the peer gets an error response, otherwise an error notification.
func (s *WebSocketServer) rejectFrame(ctx context.Context, conn *connection, data []byte, err error) {
	var head struct {
		Type protocol.MessageType `json:"type"`
		ID   uint64               `json:"id"`
	}
	if json.Unmarshal(data, &head) == nil && head.Type == protocol.TypeRequest && head.ID != 0 {
		_ = conn.enqueue(ctx, protocol.NewErrorResponse(head.ID, protocol.ErrorFromErr(err), nil))
		return
	}
	s.ctxLogger.Sugar(ctx).Infow("malformed message from peer", "error", err)
	_ = conn.enqueue(ctx, errorNotification("", err))
}

func (s *WebSocketServer) handleRequest(ctx context.Context, conn *connection, msg *protocol.Message) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	reqCtx, span := tracing.StartRequest(reqCtx, tracing.Request{
		Method:       msg.Method,
		ID:           msg.ID,
		SessionID:    string(conn.sessionID),
		ConnectionID: string(conn.id),
	})

	reqCtx = logger.WithRequestID(reqCtx, strconv.FormatUint(msg.ID, 10))
	if traceID := tracing.TraceID(reqCtx); traceID != "" {
		reqCtx = logger.WithTraceID(reqCtx, traceID)
	}

	res, err := s.call(reqCtx, conn, msg)

	code := "OK"
	var reply *protocol.Message
	if err == nil {
		reply, err = protocol.NewResponse(msg.ID, res.payload)
	}
	if err != nil {
		wireErr := protocol.ErrorFromErr(err)
		code = string(wireErr.Code)
		tracing.Annotate(reqCtx, tracing.ErrorCodeKey.String(code))
		if wireErr.Code == apperrors.ErrCodeInternal {
			s.ctxLogger.LogError(reqCtx, err, "request failed")
		}
		reply = protocol.NewErrorResponse(msg.ID, wireErr, res.failure)
	}
	tracing.Finish(span, err)

	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordRequest(msg.Method, code, duration)
	}
	s.ctxLogger.LogRequest(reqCtx, msg.Method, code, duration.Milliseconds())

	if err := conn.enqueue(ctx, reply); err != nil {
		s.ctxLogger.Sugar(reqCtx).Debugw("response dropped", "error", err)
	}
}

// handleNotification runs a step sent without a request id. There is no reply;
// a failure is pushed back as an error notification.
func (s *WebSocketServer) handleNotification(ctx context.Context, conn *connection, msg *protocol.Message) {
	if !protocol.KnownMethod(msg.Method) {
		s.ctxLogger.Sugar(ctx).Debugw("ignoring notification", "method", msg.Method)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if _, err := s.call(reqCtx, conn, msg); err != nil {
		s.ctxLogger.Sugar(reqCtx).Warnw("fire-and-forget step failed", "method", msg.Method, "error", err)
		_ = conn.enqueue(ctx, errorNotification(msg.Method, err))
	}
}

func (s *WebSocketServer) call(ctx context.Context, conn *connection, msg *protocol.Message) (result, error) {
	switch msg.Method {
	case protocol.MethodGetRtpCapabilities:
		caps, err := s.sessions.GetRtpCapabilities(ctx, conn.sessionID)
		if err != nil {
			return result{}, err
		}
		return result{payload: protocol.GetRtpCapabilitiesResponse{RtpCapabilities: caps}}, nil

	case protocol.MethodCreateWebRtcTransport:
		var req protocol.CreateTransportRequest
		if err := msg.DecodePayload(&req); err != nil {
			return result{}, err
		}
		desc, err := s.sessions.CreateTransport(ctx, conn.sessionID, conn.id, domain.DirectionFromSender(req.Sender))
		if err != nil {
			return result{failure: protocol.NewParamsError(err.Error())}, err
		}
		return result{payload: protocol.CreateTransportResponse{Params: desc}}, nil

	case protocol.MethodConnectSendTransport, protocol.MethodConnectRecvTransport:
		var req protocol.ConnectTransportRequest
		if err := msg.DecodePayload(&req); err != nil {
			return result{}, err
		}
		direction := domain.DirectionRecv
		if msg.Method == protocol.MethodConnectSendTransport {
			direction = domain.DirectionSend
		}
		if err := s.sessions.ConnectTransport(ctx, conn.sessionID, direction, req.DtlsParameters); err != nil {
			return result{}, err
		}
		return result{payload: protocol.ConnectTransportResponse{Connected: true}}, nil

	case protocol.MethodProduce:
		var req protocol.ProduceRequest
		if err := msg.DecodePayload(&req); err != nil {
			return result{}, err
		}
		id, err := s.sessions.Produce(ctx, conn.sessionID, conn.id, req)
		if err != nil {
			return result{}, err
		}
		return result{payload: protocol.ProduceResponse{ID: id}}, nil

	case protocol.MethodConsume:
		var req protocol.ConsumeRequest
		if err := msg.DecodePayload(&req); err != nil {
			return result{}, err
		}
		desc, err := s.sessions.Consume(ctx, conn.sessionID, conn.id, req.RtpCapabilities)
		if err != nil {
			return result{failure: protocol.NewParamsError(err.Error())}, err
		}
		return result{payload: protocol.ConsumeResponse{Params: desc}}, nil

	case protocol.MethodResumeConsumer:
		if err := s.sessions.ResumeConsumer(ctx, conn.sessionID); err != nil {
			return result{}, err
		}
		return result{payload: protocol.ResumeConsumerResponse{Resumed: true}}, nil

	case protocol.MethodCloseTransport:
		var req protocol.CloseTransportRequest
		if err := msg.DecodePayload(&req); err != nil {
			return result{}, err
		}
		if err := s.sessions.CloseTransport(ctx, conn.sessionID, domain.DirectionFromSender(req.Sender)); err != nil {
			return result{}, err
		}
		return result{payload: protocol.CloseTransportResponse{Closed: true}}, nil
	}

	return result{}, fmt.Errorf("%w: %q", protocol.ErrUnknownMethod, msg.Method)
}

func errorNotification(method string, err error) *protocol.Message {
	msg, marshalErr := protocol.NewNotification(protocol.NotifyError, protocol.ErrorNotification{
		Method: method,
		Error:  protocol.ErrorFromErr(err),
	})
	if marshalErr != nil {
		return &protocol.Message{Type: protocol.TypeNotification, Method: protocol.NotifyError}
	}
	return msg
}
