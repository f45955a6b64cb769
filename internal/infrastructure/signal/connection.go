package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"mediagate/internal/core/domain"
	"mediagate/internal/protocol"
)

const sendQueueSize = 64

var (
	errConnectionClosed = errors.New("connection closed")
	errSendQueueFull    = errors.New("send queue full")
)

// connection is one signaling socket. All writes go through the send queue
// and a single writer goroutine, so responses leave in the order requests
// were handled.
type connection struct {
	id        domain.ConnectionID
	sessionID domain.SessionID
	ws        *websocket.Conn
	limiter   *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id domain.ConnectionID, sessionID domain.SessionID, ws *websocket.Conn, limiter *rate.Limiter) *connection {
	return &connection{
		id:        id,
		sessionID: sessionID,
		ws:        ws,
		limiter:   limiter,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// enqueue queues msg for writing, waiting for room until ctx is done.
func (c *connection) enqueue(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue queues msg without waiting.
func (c *connection) tryEnqueue(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the send queue and keeps the socket alive with pings. It
// owns every write on the socket.
func (c *connection) writePump(pingInterval, writeTimeout time.Duration) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.done:
			c.flush(writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return nil
		}
	}
}

// flush writes whatever is still queued when the connection closes.
func (c *connection) flush(writeTimeout time.Duration) {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
