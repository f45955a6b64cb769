package webrtc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// EngineConfig configures the in-process media engine.
type EngineConfig struct {
	RTCMinPort uint16
	RTCMaxPort uint16
}

// Engine is an in-process media routing engine. It owns the DTLS identity
// shared by every transport, the RTC port range and all routers.
type Engine struct {
	config       EngineConfig
	logger       *zap.SugaredLogger
	certificate  *webrtc.Certificate
	fingerprints []domain.DtlsFingerprint
	ports        *portAllocator

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
	err     error
	died    chan struct{}
}

var _ ports.MediaEngine = (*Engine)(nil)

// NewEngine creates an engine with a fresh ECDSA certificate.
func NewEngine(config EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	if config.RTCMinPort == 0 || config.RTCMaxPort < config.RTCMinPort {
		return nil, fmt.Errorf("%w: invalid rtc port range %d-%d", domain.ErrInvalidParameters, config.RTCMinPort, config.RTCMaxPort)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dtls key: %w", err)
	}
	certificate, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dtls certificate: %w", err)
	}
	fingerprints, err := certificate.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to compute dtls fingerprints: %w", err)
	}

	e := &Engine{
		config:      config,
		logger:      logger,
		certificate: certificate,
		ports:       newPortAllocator(config.RTCMinPort, config.RTCMaxPort),
		routers:     make(map[string]*Router),
		died:        make(chan struct{}),
	}
	for _, fp := range fingerprints {
		e.fingerprints = append(e.fingerprints, domain.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	logger.Infow("media engine started",
		"rtc_min_port", config.RTCMinPort,
		"rtc_max_port", config.RTCMaxPort,
	)
	return e, nil
}

// CreateRouter creates a router whose capabilities are derived from the given
// media codecs.
func (e *Engine) CreateRouter(ctx context.Context, mediaCodecs []domain.RtpCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	caps, err := generateRouterRtpCapabilities(mediaCodecs)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrEngineUnavailable
	}

	router := &Router{
		id:         uuid.NewString(),
		engine:     e,
		caps:       caps,
		logger:     e.logger,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	router.events = newEventStream(router.id)
	e.routers[router.id] = router

	e.logger.Debugw("router created", "router_id", router.id, "codecs", len(caps.Codecs))
	return router, nil
}

func (e *Engine) Died() <-chan struct{} {
	return e.died
}

// Err returns the reason the engine died, if it did.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close shuts the engine down in order. Died does not fire.
func (e *Engine) Close() error {
	routers := e.shutdown(nil)
	for _, r := range routers {
		r.close(domain.EventClose)
	}
	return nil
}

// Kill terminates the engine after a fatal fault. Every router is closed and
// Died fires.
func (e *Engine) Kill(reason error) {
	e.mu.Lock()
	alreadyClosed := e.closed
	e.mu.Unlock()
	if alreadyClosed {
		return
	}

	e.logger.Errorw("media engine died", "error", reason)
	routers := e.shutdown(reason)
	for _, r := range routers {
		r.close(domain.EventClose)
	}
	close(e.died)
}

func (e *Engine) shutdown(reason error) []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.err = reason

	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.routers = make(map[string]*Router)
	return routers
}

func (e *Engine) alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *Engine) removeRouter(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routers, id)
}

// guard runs a data plane callback. A panic there leaves engine state
// undefined, so it kills the engine instead of the process.
func (e *Engine) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			go e.Kill(fmt.Errorf("panic in %s: %v", op, r))
		}
	}()
	fn()
}

// AvailablePorts reports how many RTC ports are still free.
func (e *Engine) AvailablePorts() int {
	return e.ports.available()
}
