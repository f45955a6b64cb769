package webrtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// Producer is media injected into a router by a send transport.
type Producer struct {
	id            string
	kind          domain.MediaKind
	rtpParameters domain.RtpParameters
	consumable    domain.RtpParameters
	appData       map[string]interface{}
	transport     *Transport
	logger        *zap.SugaredLogger

	mu          sync.RWMutex
	consumers   map[string]*Consumer
	rtcpHandler func([]rtcp.Packet)
	closed      bool

	packetsReceived atomic.Uint64
	events          *eventStream
}

var _ ports.Producer = (*Producer)(nil)

func newProducer(t *Transport, kind domain.MediaKind, params, consumable domain.RtpParameters) *Producer {
	p := &Producer{
		id:            newID(),
		kind:          kind,
		rtpParameters: params,
		consumable:    consumable,
		transport:     t,
		logger:        t.logger,
		consumers:     make(map[string]*Consumer),
	}
	p.events = newEventStream(p.id)
	return p
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) RtpParameters() domain.RtpParameters { return p.rtpParameters }

func (p *Producer) Events() <-chan domain.EntityEvent { return p.events.channel() }

func (p *Producer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Producer) PacketsReceived() uint64 {
	return p.packetsReceived.Load()
}

// OnRTCP sets the handler receiving feedback addressed to the sender, such as
// keyframe requests issued when a video consumer resumes.
func (p *Producer) OnRTCP(handler func([]rtcp.Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcpHandler = handler
}

// WriteRTP injects one packet and forwards it to every consumer.
func (p *Producer) WriteRTP(packet *rtp.Packet) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return domain.ErrEntityClosed
	}
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.RUnlock()

	p.packetsReceived.Add(1)

	keyframe := false
	if p.kind == domain.MediaKindVideo {
		if mime, ok := p.mimeTypeFor(packet.PayloadType); ok {
			keyframe = isKeyframe(mime, packet.Payload)
		}
	}

	for _, c := range consumers {
		c.forward(packet, keyframe)
	}
	return nil
}

func (p *Producer) mimeTypeFor(payloadType uint8) (string, bool) {
	for _, codec := range p.rtpParameters.Codecs {
		if codec.PayloadType == payloadType {
			return codec.MimeType, true
		}
	}
	return "", false
}

func (p *Producer) sendRTCP(packets []rtcp.Packet) {
	p.mu.RLock()
	handler := p.rtcpHandler
	closed := p.closed
	p.mu.RUnlock()
	if closed || handler == nil {
		return
	}
	p.transport.router.engine.guard("producer rtcp", func() {
		handler(packets)
	})
}

// requestKeyFrame asks the sender for a keyframe on every encoding.
func (p *Producer) requestKeyFrame(senderSSRC uint32) {
	if p.kind != domain.MediaKindVideo {
		return
	}
	packets := make([]rtcp.Packet, 0, len(p.rtpParameters.Encodings))
	for _, enc := range p.rtpParameters.Encodings {
		packets = append(packets, &rtcp.PictureLossIndication{
			SenderSSRC: senderSSRC,
			MediaSSRC:  enc.Ssrc,
		})
	}
	p.sendRTCP(packets)
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrEntityClosed
	}
	p.consumers[c.id] = c
	return nil
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (p *Producer) Close() {
	p.close(domain.EventClose, true)
}

func (p *Producer) close(reason domain.EventType, detachFromTransport bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*Consumer)
	p.mu.Unlock()

	if detachFromTransport {
		p.transport.removeProducer(p.id)
	}
	p.transport.router.removeProducer(p.id)

	for _, c := range consumers {
		c.close(domain.EventProducerClose, true)
	}
	p.events.finish(reason)

	p.logger.Debugw("producer closed",
		"producer_id", p.id,
		"reason", reason,
		"packets_received", p.packetsReceived.Load(),
	)
}
