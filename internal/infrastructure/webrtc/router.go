package webrtc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// Router routes media between the transports created on it.
type Router struct {
	id     string
	engine *Engine
	caps   domain.RtpCapabilities
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool

	events *eventStream
}

var _ ports.Router = (*Router)(nil)

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) Events() <-chan domain.EntityEvent { return r.events.channel() }

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// CanConsume reports whether a peer with the given capabilities can receive
// the producer. Unknown producers cannot be consumed.
func (r *Router) CanConsume(producerID string, rtpCapabilities domain.RtpCapabilities) bool {
	producer, ok := r.producer(producerID)
	if !ok {
		r.logger.Warnw("canConsume called for unknown producer",
			"router_id", r.id,
			"producer_id", producerID,
		)
		return false
	}
	return canConsume(producer.consumable, rtpCapabilities)
}

// CreateWebRtcTransport allocates an RTC port and builds ICE-lite host
// candidates for every listen IP.
func (r *Router) CreateWebRtcTransport(ctx context.Context, options ports.WebRtcTransportOptions) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.engine.alive() {
		return nil, domain.ErrEngineUnavailable
	}
	if len(options.ListenIPs) == 0 {
		return nil, fmt.Errorf("%w: no listen ips", domain.ErrInvalidParameters)
	}
	if !options.EnableUDP && !options.EnableTCP {
		return nil, fmt.Errorf("%w: udp and tcp both disabled", domain.ErrInvalidParameters)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrEntityClosed
	}

	port, err := r.engine.ports.acquire()
	if err != nil {
		return nil, err
	}

	ufrag, err := randomToken(8)
	if err != nil {
		r.engine.ports.release(port)
		return nil, err
	}
	pwd, err := randomToken(16)
	if err != nil {
		r.engine.ports.release(port)
		return nil, err
	}

	t := &Transport{
		id:     uuid.NewString(),
		router: r,
		logger: r.logger,
		port:   port,
		iceParameters: domain.IceParameters{
			UsernameFragment: ufrag,
			Password:         pwd,
			IceLite:          true,
		},
		iceCandidates: hostCandidates(options, port),
		localDtls: domain.DtlsParameters{
			Role:         domain.DtlsRoleAuto,
			Fingerprints: r.engine.fingerprints,
		},
		appData:   options.AppData,
		dtlsState: domain.DtlsStateNew,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.events = newEventStream(t.id)
	r.transports[t.id] = t

	r.logger.Debugw("webrtc transport created",
		"router_id", r.id,
		"transport_id", t.id,
		"port", port,
	)
	return t, nil
}

// Close closes the router and everything created on it.
func (r *Router) Close() {
	if r.close(domain.EventClose) {
		r.engine.removeRouter(r.id)
	}
}

func (r *Router) close(reason domain.EventType) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*Transport)
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, t := range transports {
		t.close(domain.EventRouterClose, false)
	}
	r.events.finish(reason)
	return true
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func hostCandidates(options ports.WebRtcTransportOptions, port uint16) []domain.IceCandidate {
	var candidates []domain.IceCandidate
	for i, listen := range options.ListenIPs {
		ip := listen.IP
		if listen.AnnouncedIP != "" {
			ip = listen.AnnouncedIP
		}
		// Later listen IPs and the non preferred protocol get lower priority.
		base := uint32(1078862079) - uint32(i)*1000
		if options.EnableUDP {
			priority := base
			if !options.PreferUDP && options.EnableTCP {
				priority -= 500
			}
			candidates = append(candidates, domain.IceCandidate{
				Foundation: "udpcandidate",
				Priority:   priority,
				IP:         ip,
				Protocol:   "udp",
				Port:       port,
				Type:       "host",
			})
		}
		if options.EnableTCP {
			priority := base
			if options.PreferUDP && options.EnableUDP {
				priority -= 500
			}
			candidates = append(candidates, domain.IceCandidate{
				Foundation: "tcpcandidate",
				Priority:   priority,
				IP:         ip,
				Protocol:   "tcp",
				Port:       port,
				Type:       "host",
				TCPType:    "passive",
			})
		}
	}
	return candidates
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate ice credentials: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
