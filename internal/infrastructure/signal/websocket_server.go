package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	"mediagate/internal/infrastructure/middleware"
	"mediagate/internal/protocol"
	"mediagate/pkg/config"
	apperrors "mediagate/pkg/errors"
	"mediagate/pkg/logger"
	"mediagate/pkg/utils"
	"mediagate/pkg/validation"
)

const defaultMaxMessageSize = 1 << 20

// SessionQueryParam selects the session a connection joins.
const SessionQueryParam = "session"

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
	MaxMessageSize int64
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		RequestTimeout: cfg.Signal.RequestTimeout,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
}

// WebSocketServer is the server end of the signaling channel. Every socket
// joins one session; its requests are handled one at a time and answered in
// order. It also delivers registry notifications to peers.
type WebSocketServer struct {
	sessions    ports.SessionService
	metrics     ports.MetricsRecorder
	opts        Options
	upgrader    websocket.Upgrader
	connLimiter *middleware.ConnectionLimiter
	cfg         *config.Config

	connections map[domain.ConnectionID]*connection
	mu          sync.RWMutex

	draining atomic.Bool
	handlers sync.WaitGroup

	logger    *zap.SugaredLogger
	ctxLogger *logger.ContextLogger
}

var _ ports.PeerNotifier = (*WebSocketServer)(nil)

func NewWebSocketServer(
	sessions ports.SessionService,
	metrics ports.MetricsRecorder,
	cfg *config.Config,
	log *zap.SugaredLogger,
) (*WebSocketServer, error) {
	opts := OptionsFromConfig(cfg)
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	origins, err := newOriginMatcher(opts.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	return &WebSocketServer{
		sessions: sessions,
		metrics:  metrics,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     origins.check,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		connLimiter: middleware.NewConnectionLimiter(cfg),
		cfg:         cfg,
		connections: make(map[domain.ConnectionID]*connection),
		logger:      log,
		ctxLogger:   logger.NewContextLogger(log.Desugar()),
	}, nil
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	if s.draining.Load() {
		writeHTTPError(w, apperrors.ServiceUnavailable("server is shutting down"))
		return
	}

	release, limitErr := s.connLimiter.Acquire(r)
	if limitErr != nil {
		s.logger.Warnw("websocket connection refused", "remote_addr", r.RemoteAddr, "code", limitErr.Code)
		writeHTTPError(w, limitErr)
		return
	}
	defer release()

	sessionID := domain.SessionID(r.URL.Query().Get(SessionQueryParam))
	if sessionID == "" {
		sessionID = domain.SessionID(utils.GenerateSessionID())
	}
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		writeHTTPError(w, apperrors.InvalidInput(err.Error()))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer ws.Close()

	connID := domain.ConnectionID(utils.GenerateConnectionID())
	conn := newConnection(connID, sessionID, ws, middleware.NewMessageLimiter(s.cfg))
	s.register(conn)
	defer s.unregister(connID)

	ctx := logger.WithConnectionID(logger.WithSessionID(context.Background(), string(sessionID)), string(connID))
	log := s.ctxLogger.Sugar(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := conn.writePump(s.opts.PingInterval, s.opts.WriteTimeout); err != nil {
			log.Infow("error writing to peer", "error", err)
		}
		conn.close()
	}()

	if err := s.sessions.Join(ctx, sessionID, connID); err != nil {
		log.Warnw("failed to join session", "error", err)
		_ = conn.tryEnqueue(errorNotification("", err))
		conn.close()
		<-writerDone
		return
	}
	log.Infow("peer connected via WebSocket", "remote_addr", r.RemoteAddr)

	ws.SetReadLimit(s.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readPump(conn, frames, readErr)

loop:
	for {
		select {
		case data := <-frames:
			s.handleFrame(ctx, conn, data)
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Infow("error reading message from peer", "error", err)
			}
			break loop
		case <-conn.done:
			break loop
		}
	}

	conn.close()
	if err := s.sessions.Leave(context.Background(), sessionID, connID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Warnw("error leaving session", "error", err)
	}
	<-writerDone
	log.Infow("peer disconnected")
}

func (s *WebSocketServer) readPump(conn *connection, frames chan<- []byte, readErr chan<- error) {
	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		if kind != websocket.TextMessage {
			continue
		}
		select {
		case frames <- data:
		case <-conn.done:
			return
		}
	}
}

// closeNotifyTimeout bounds how long a close notification waits for room in
// a full send queue.
var closeNotifyTimeout = time.Second

// NotifyPeer pushes a registry event to a connected peer. Close
// notifications wait up to closeNotifyTimeout for queue space; the rest are
// dropped when the queue is full.
func (s *WebSocketServer) NotifyPeer(ctx context.Context, connID domain.ConnectionID, event domain.SessionEvent) error {
	method, payload, ok := protocol.NotificationFor(event)
	if !ok {
		return nil
	}

	s.mu.RLock()
	conn, exists := s.connections[connID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("connection %s not connected", connID)
	}

	msg, err := protocol.NewNotification(method, payload)
	if err != nil {
		return err
	}
	switch event.Type {
	case domain.TransportClosed, domain.ProducerClosed, domain.ConsumerClosed:
		ctx, cancel := context.WithTimeout(ctx, closeNotifyTimeout)
		defer cancel()
		return conn.enqueue(ctx, msg)
	}
	return conn.tryEnqueue(msg)
}

// ConnectionCount returns the number of open signaling connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Drain refuses new connections and closes the open ones.
func (s *WebSocketServer) Drain() {
	s.draining.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.connections {
		conn.close()
	}
}

// Shutdown drains the server and waits for connection handlers to finish.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.Drain()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebSocketServer) register(conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[conn.id] = conn
}

func (s *WebSocketServer) unregister(connID domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connID)
}

func writeHTTPError(w http.ResponseWriter, appErr *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
