package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mediagate/internal/protocol"
	"mediagate/pkg/retry"
)

// ErrChannelClosed is returned for requests on a closed signaling channel.
var ErrChannelClosed = errors.New("signaling channel closed")

const notificationBuffer = 64

type DialOptions struct {
	Attempts int
	Backoff  time.Duration
	Header   http.Header
	Logger   *zap.SugaredLogger
}

// Channel is the client end of the signaling socket. Requests are matched to
// responses by id; notifications are delivered on Notifications.
type Channel struct {
	ws     *websocket.Conn
	nextID atomic.Uint64

	pending map[uint64]chan *protocol.Message
	mu      sync.Mutex
	writeMu sync.Mutex

	notifications chan *protocol.Message
	done          chan struct{}
	closeOnce     sync.Once
	err           error

	logger *zap.SugaredLogger
}

// Dial connects to a signaling server, retrying with exponential backoff.
func Dial(ctx context.Context, url string, opts DialOptions) (*Channel, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cfg := retry.DefaultConfig()
	if opts.Attempts > 0 {
		cfg.MaxAttempts = opts.Attempts
	}
	if opts.Backoff > 0 {
		cfg.InitialDelay = opts.Backoff
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warnw("signaling dial failed", "url", url, "attempt", attempt, "retry_in", delay, "error", err)
	}

	ws, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return newChannel(ws, log), nil
}

func newChannel(ws *websocket.Conn, log *zap.SugaredLogger) *Channel {
	c := &Channel{
		ws:            ws,
		pending:       make(map[uint64]chan *protocol.Message),
		notifications: make(chan *protocol.Message, notificationBuffer),
		done:          make(chan struct{}),
		logger:        log,
	}
	go c.readLoop()
	return c
}

// Request sends method and waits for its response. A wire error is returned
// as a *protocol.Error wrapped with the method name; out is filled from the
// payload on success.
func (c *Channel) Request(ctx context.Context, method string, payload, out interface{}) error {
	id := c.nextID.Add(1)
	msg, err := protocol.NewRequest(id, method, payload)
	if err != nil {
		return err
	}

	reply := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return err
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil {
			return resp.DecodePayload(out)
		}
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Notify sends a message that expects no response.
func (c *Channel) Notify(method string, payload interface{}) error {
	msg, err := protocol.NewNotification(method, payload)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Notifications delivers server-pushed notifications. It is closed when the
// channel closes.
func (c *Channel) Notifications() <-chan *protocol.Message {
	return c.notifications
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(ErrChannelClosed)
	return c.ws.Close()
}

func (c *Channel) write(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.ws.WriteJSON(msg)
}

func (c *Channel) readLoop() {
	defer close(c.notifications)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warnw("dropping malformed frame from server", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeResponse:
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if !ok {
				c.logger.Debugw("response without pending request", "id", msg.ID)
				continue
			}
			reply <- msg
		case protocol.TypeNotification:
			select {
			case c.notifications <- msg:
			default:
				c.logger.Warnw("notification buffer full, dropping", "method", msg.Method)
			}
		}
	}
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
