package peer

import (
	"sync"

	"mediagate/internal/core/domain"
)

// Reasons a local producer or consumer closes.
const (
	ReasonClosed         = "closed"
	ReasonTransportClose = "transportclose"
	ReasonTrackEnded     = "trackended"
	ReasonProducerClose  = "producerclose"
)

// Producer is the local mirror of a server-side producer.
type Producer struct {
	id            string
	kind          domain.MediaKind
	rtpParameters domain.RtpParameters
	track         MediaTrack
	appData       map[string]interface{}

	mu     sync.Mutex
	closed bool
	reason string
	done   chan struct{}
}

func newProducer(id string, track MediaTrack, params domain.RtpParameters, appData map[string]interface{}) *Producer {
	return &Producer{
		id:            id,
		kind:          track.Kind(),
		rtpParameters: params,
		track:         track,
		appData:       appData,
		done:          make(chan struct{}),
	}
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) RtpParameters() domain.RtpParameters { return p.rtpParameters }

func (p *Producer) Track() MediaTrack { return p.track }

func (p *Producer) AppData() map[string]interface{} { return p.appData }

// Done is closed once the producer closes.
func (p *Producer) Done() <-chan struct{} { return p.done }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseReason is empty while the producer is open.
func (p *Producer) CloseReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Close stops the track and closes the producer.
func (p *Producer) Close() {
	p.close(ReasonClosed)
}

func (p *Producer) close(reason string) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	p.reason = reason
	close(p.done)
	p.mu.Unlock()

	p.track.Stop()
	return true
}
