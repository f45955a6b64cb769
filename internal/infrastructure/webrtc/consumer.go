package webrtc

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// Consumer is a producer's media delivered to a receive transport. It starts
// paused when created with Paused and forwards nothing until resumed.
type Consumer struct {
	id            string
	producer      *Producer
	transport     *Transport
	kind          domain.MediaKind
	rtpParameters domain.RtpParameters
	ssrc          uint32
	payloadTypes  map[uint8]uint8
	logger        *zap.SugaredLogger

	mu               sync.Mutex
	paused           bool
	waitingKeyframe  bool
	closed           bool
	sequence         uint16
	rtpHandler       func(*rtp.Packet)
	lastReceiverLoss uint8

	packetsSent atomic.Uint64
	events      *eventStream
}

var _ ports.Consumer = (*Consumer)(nil)

func newConsumer(t *Transport, producer *Producer, params domain.RtpParameters, paused bool) *Consumer {
	c := &Consumer{
		id:              newID(),
		producer:        producer,
		transport:       t,
		kind:            producer.kind,
		rtpParameters:   params,
		ssrc:            params.Encodings[0].Ssrc,
		payloadTypes:    payloadTypeMap(producer.rtpParameters, params),
		logger:          t.logger,
		paused:          paused,
		waitingKeyframe: producer.kind == domain.MediaKindVideo,
		sequence:        uint16(rand.Int31n(1 << 16)),
	}
	c.events = newEventStream(c.id)
	return c
}

// payloadTypeMap maps producer payload types to consumer payload types by
// codec mime type. RTX is not forwarded.
func payloadTypeMap(producer, consumer domain.RtpParameters) map[uint8]uint8 {
	out := make(map[uint8]uint8)
	for _, pc := range producer.Codecs {
		if pc.IsRtx() {
			continue
		}
		for _, cc := range consumer.Codecs {
			if !cc.IsRtx() && strings.EqualFold(pc.MimeType, cc.MimeType) {
				out[pc.PayloadType] = cc.PayloadType
				break
			}
		}
	}
	return out
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) RtpParameters() domain.RtpParameters { return c.rtpParameters }

func (c *Consumer) Events() <-chan domain.EntityEvent { return c.events.channel() }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) PacketsSent() uint64 {
	return c.packetsSent.Load()
}

// OnRTP sets the handler receiving packets sent to the remote peer.
func (c *Consumer) OnRTP(handler func(*rtp.Packet)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtpHandler = handler
}

// Resume starts the data flow. Video consumers ask the producer for a
// keyframe and drop packets until one arrives.
func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrEntityClosed
	}
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = false
	if c.kind == domain.MediaKindVideo {
		c.waitingKeyframe = true
	}
	c.mu.Unlock()

	c.requestKeyFrame()
	return nil
}

func (c *Consumer) requestKeyFrame() {
	c.producer.requestKeyFrame(c.ssrc)
}

func (c *Consumer) forward(packet *rtp.Packet, keyframe bool) {
	pt, ok := c.payloadTypes[packet.PayloadType]
	if !ok {
		return
	}

	c.mu.Lock()
	if c.closed || c.paused {
		c.mu.Unlock()
		return
	}
	if c.waitingKeyframe {
		if !keyframe {
			c.mu.Unlock()
			return
		}
		c.waitingKeyframe = false
	}
	out := packet.Clone()
	out.PayloadType = pt
	out.SSRC = c.ssrc
	out.SequenceNumber = c.sequence
	c.sequence++
	handler := c.rtpHandler
	c.mu.Unlock()

	c.packetsSent.Add(1)
	if handler != nil {
		c.transport.router.engine.guard("consumer rtp", func() {
			handler(out)
		})
	}
}

func (c *Consumer) Close() {
	c.close(domain.EventClose, true)
}

func (c *Consumer) close(reason domain.EventType, detachFromTransport bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if reason != domain.EventProducerClose {
		c.producer.removeConsumer(c.id)
	}
	if detachFromTransport {
		c.transport.removeConsumer(c.id)
	}
	c.events.finish(reason)

	c.logger.Debugw("consumer closed",
		"consumer_id", c.id,
		"reason", reason,
		"packets_sent", c.packetsSent.Load(),
	)
}
