package peer

import (
	"sync"

	"mediagate/internal/core/domain"
)

// Consumer is the local mirror of a server-side consumer. It starts paused,
// like its server side, until resumeConsumer succeeds.
type Consumer struct {
	id            string
	producerID    string
	kind          domain.MediaKind
	rtpParameters domain.RtpParameters

	mu     sync.Mutex
	paused bool
	closed bool
	reason string
	done   chan struct{}
}

func newConsumer(desc domain.ConsumerDescriptor) *Consumer {
	return &Consumer{
		id:            desc.ID,
		producerID:    desc.ProducerID,
		kind:          desc.Kind,
		rtpParameters: desc.RtpParameters,
		paused:        true,
		done:          make(chan struct{}),
	}
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producerID }

func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) RtpParameters() domain.RtpParameters { return c.rtpParameters }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Done is closed when the consumer closes, including when its upstream
// producer goes away.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Consumer) Close() {
	c.close(ReasonClosed)
}

func (c *Consumer) resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func (c *Consumer) close(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reason = reason
	close(c.done)
	return true
}
