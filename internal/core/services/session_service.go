package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	"mediagate/pkg/tracing"
	"mediagate/pkg/validation"
)

// SessionConfig holds the engine parameters every session is created with.
type SessionConfig struct {
	MediaCodecs []domain.RtpCodecCapability
	Transport   ports.WebRtcTransportOptions
}

// SessionService is the session registry. Each session is keyed by its id and
// guarded by its own mutex, so peer groups never observe each other's
// transports, producers or consumers.
type SessionService struct {
	repo      ports.SessionRepository
	engine    ports.MediaEngine
	publisher ports.EventPublisher
	metrics   ports.MetricsRecorder
	config    SessionConfig
	logger    *zap.SugaredLogger

	notifierMu sync.RWMutex
	notifier   ports.PeerNotifier

	pumps sync.WaitGroup
}

var _ ports.SessionService = (*SessionService)(nil)

func NewSessionService(
	repo ports.SessionRepository,
	engine ports.MediaEngine,
	publisher ports.EventPublisher,
	metrics ports.MetricsRecorder,
	config SessionConfig,
	logger *zap.SugaredLogger,
) *SessionService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SessionService{
		repo:      repo,
		engine:    engine,
		publisher: publisher,
		metrics:   metrics,
		config:    config,
		logger:    logger,
	}
}

// SetNotifier installs the component that pushes notifications to peers.
func (s *SessionService) SetNotifier(notifier ports.PeerNotifier) {
	s.notifierMu.Lock()
	defer s.notifierMu.Unlock()
	s.notifier = notifier
}

func (s *SessionService) lookup(ctx context.Context, sessionID domain.SessionID) (*session, error) {
	raw, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, ok := raw.(*session)
	if !ok {
		return nil, fmt.Errorf("unexpected session type %T", raw)
	}
	return sess, nil
}

// Join attaches a connection to a session, creating the session and its
// router on first use.
func (s *SessionService) Join(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID) error {
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		raw, created, err := s.repo.GetOrCreate(ctx, sessionID, func() (ports.Session, error) {
			spanCtx, span := tracing.StartEngineCall(ctx, "createRouter", "")
			router, err := s.engine.CreateRouter(spanCtx, s.config.MediaCodecs)
			tracing.Finish(span, err)
			if err != nil {
				return nil, fmt.Errorf("failed to create router: %w", err)
			}
			return newSession(sessionID, router), nil
		})
		if err != nil {
			return err
		}
		sess, ok := raw.(*session)
		if !ok {
			return fmt.Errorf("unexpected session type %T", raw)
		}

		sess.mu.Lock()
		if sess.closed {
			// Lost a race with the last connection leaving; the closed
			// session is already out of the repository.
			sess.mu.Unlock()
			continue
		}
		sess.addConnectionLocked(connID)
		router := sess.router
		sess.mu.Unlock()

		if created {
			s.watch(sess, router.ID(), router.Events(), s.onRouterEvent)
			s.dispatch(ctx, sess, nil, []domain.SessionEvent{{
				Type:     domain.SessionCreated,
				EntityID: router.ID(),
			}})
		}
		s.metrics.RecordPeerConnected()

		s.logger.Infow("peer joined session",
			"session_id", sessionID,
			"connection_id", connID,
			"created", created,
		)
		return nil
	}
	return fmt.Errorf("failed to join session %s: session kept closing", sessionID)
}

// Leave detaches a connection, closing the entities it created. The session
// and its router are removed when its last connection leaves.
func (s *SessionService) Leave(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	sess.mu.Lock()
	if !sess.removeConnectionLocked(connID) {
		sess.mu.Unlock()
		return nil
	}

	var events []domain.SessionEvent
	for _, dir := range []domain.Direction{domain.DirectionSend, domain.DirectionRecv} {
		if entry := sess.transports[dir]; entry != nil && entry.owner == connID {
			events = append(events, sess.dropTransportLocked(dir, reasonDisconnect)...)
		}
	}
	if sess.producer != nil && sess.producer.owner == connID {
		events = append(events, sess.dropProducerLocked(reasonDisconnect)...)
	}
	if sess.consumer != nil && sess.consumer.owner == connID {
		events = append(events, sess.dropConsumerLocked(reasonDisconnect)...)
	}

	remaining := sess.connectionsLocked()
	var router ports.Router
	if len(remaining) == 0 {
		events = append(events, sess.teardownLocked(reasonEmpty)...)
		router = sess.router
		if err := s.repo.Remove(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			s.logger.Warnw("failed to remove session", "session_id", sessionID, "error", err)
		}
	}
	sess.mu.Unlock()

	if router != nil {
		router.Close()
		events = append(events, domain.SessionEvent{Type: domain.SessionClosed, EntityID: router.ID(), Reason: reasonEmpty})
	}
	s.metrics.RecordPeerDisconnected()
	s.dispatch(ctx, sess, remaining, events)

	s.logger.Infow("peer left session",
		"session_id", sessionID,
		"connection_id", connID,
		"remaining_connections", len(remaining),
	)
	return nil
}

func (s *SessionService) GetRtpCapabilities(ctx context.Context, sessionID domain.SessionID) (domain.RtpCapabilities, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.router == nil || sess.router.Closed() {
		return domain.RtpCapabilities{}, domain.ErrNoRouter
	}
	return sess.router.RtpCapabilities(), nil
}

// CreateTransport creates a transport of the given direction, replacing and
// closing any previous one of the same direction.
func (s *SessionService) CreateTransport(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID, direction domain.Direction) (domain.TransportDescriptor, error) {
	if !direction.Valid() {
		return domain.TransportDescriptor{}, fmt.Errorf("%w: invalid direction %q", validation.ErrInvalid, direction)
	}
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return domain.TransportDescriptor{}, err
	}

	sess.mu.Lock()
	if sess.router == nil || sess.router.Closed() {
		sess.mu.Unlock()
		return domain.TransportDescriptor{}, domain.ErrNoRouter
	}

	// The previous transport is only dropped once the engine has accepted
	// its replacement, so a failed create leaves the session untouched.
	spanCtx, span := tracing.StartEngineCall(ctx, "createWebRtcTransport", string(direction))
	transport, err := sess.router.CreateWebRtcTransport(spanCtx, s.transportOptions(sessionID, connID, direction))
	tracing.Finish(span, err)
	if err != nil {
		sess.mu.Unlock()
		return domain.TransportDescriptor{}, fmt.Errorf("failed to create %s transport: %w", direction, err)
	}

	events := sess.dropTransportLocked(direction, reasonReplaced)
	sess.transports[direction] = &transportEntry{
		transport: transport,
		direction: direction,
		owner:     connID,
		state:     domain.TransportStateNew,
	}
	events = append(events, domain.SessionEvent{
		Type:         domain.TransportCreated,
		ConnectionID: connID,
		EntityID:     transport.ID(),
		Direction:    direction,
	})
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.watch(sess, transport.ID(), transport.Events(), s.onTransportEvent(direction))
	s.dispatch(ctx, sess, conns, events)

	return transport.Descriptor(), nil
}

func (s *SessionService) transportOptions(sessionID domain.SessionID, connID domain.ConnectionID, direction domain.Direction) ports.WebRtcTransportOptions {
	opts := s.config.Transport
	opts.AppData = map[string]interface{}{
		"sessionId":    string(sessionID),
		"connectionId": string(connID),
		"direction":    string(direction),
	}
	return opts
}

func (s *SessionService) ConnectTransport(ctx context.Context, sessionID domain.SessionID, direction domain.Direction, dtls domain.DtlsParameters) error {
	if !direction.Valid() {
		return fmt.Errorf("%w: invalid direction %q", validation.ErrInvalid, direction)
	}
	if err := validation.ValidateDtlsParameters(dtls); err != nil {
		return err
	}
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	entry := sess.transports[direction]
	if entry == nil {
		sess.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	switch entry.state {
	case domain.TransportStateConnected, domain.TransportStateConnecting:
		sess.mu.Unlock()
		return domain.ErrTransportAlreadyConnected
	case domain.TransportStateClosed:
		sess.mu.Unlock()
		return domain.ErrTransportClosed
	}

	entry.state = domain.TransportStateConnecting
	spanCtx, span := tracing.StartEngineCall(ctx, "connect", string(direction))
	err = entry.transport.Connect(spanCtx, dtls)
	tracing.Finish(span, err)
	if err != nil {
		entry.state = domain.TransportStateNew
		sess.mu.Unlock()
		return fmt.Errorf("failed to connect %s transport: %w", direction, err)
	}
	entry.state = domain.TransportStateConnected
	owner := entry.owner
	transportID := entry.transport.ID()
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.dispatch(ctx, sess, conns, []domain.SessionEvent{{
		Type:         domain.TransportConnected,
		ConnectionID: owner,
		EntityID:     transportID,
		Direction:    direction,
	}})
	return nil
}

func (s *SessionService) CloseTransport(ctx context.Context, sessionID domain.SessionID, direction domain.Direction) error {
	if !direction.Valid() {
		return fmt.Errorf("%w: invalid direction %q", validation.ErrInvalid, direction)
	}
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.transports[direction] == nil {
		sess.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	events := sess.dropTransportLocked(direction, reasonClosed)
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.dispatch(ctx, sess, conns, events)
	return nil
}

// Produce creates the session's producer on the connected send transport.
// A previous producer is replaced together with its consumer.
func (s *SessionService) Produce(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID, req domain.ProduceRequest) (string, error) {
	if err := validation.ValidateMediaKind(req.Kind); err != nil {
		return "", err
	}
	if err := validation.ValidateRtpParameters(req.RtpParameters); err != nil {
		return "", err
	}
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	entry := sess.transports[domain.DirectionSend]
	if entry == nil {
		sess.mu.Unlock()
		return "", domain.ErrTransportNotFound
	}
	if entry.state != domain.TransportStateConnected {
		sess.mu.Unlock()
		return "", domain.ErrTransportNotConnected
	}

	spanCtx, span := tracing.StartEngineCall(ctx, "produce", string(domain.DirectionSend))
	producer, err := entry.transport.Produce(spanCtx, ports.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       req.AppData,
	})
	tracing.Finish(span, err)
	if err != nil {
		sess.mu.Unlock()
		return "", fmt.Errorf("failed to produce: %w", err)
	}

	events := sess.dropProducerLocked(reasonReplaced)
	sess.producer = &producerEntry{producer: producer, owner: connID}
	events = append(events, domain.SessionEvent{
		Type:         domain.ProducerCreated,
		ConnectionID: connID,
		EntityID:     producer.ID(),
		Kind:         producer.Kind(),
	})
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.watch(sess, producer.ID(), producer.Events(), s.onProducerEvent)
	s.dispatch(ctx, sess, conns, events)

	return producer.ID(), nil
}

// Consume creates a paused consumer of the session's producer. The engine's
// compatibility verdict is returned as is: an incompatible peer gets
// ErrCannotConsume and no consumer is created.
func (s *SessionService) Consume(ctx context.Context, sessionID domain.SessionID, connID domain.ConnectionID, rtpCapabilities domain.RtpCapabilities) (domain.ConsumerDescriptor, error) {
	if err := validation.ValidateRtpCapabilities(rtpCapabilities); err != nil {
		return domain.ConsumerDescriptor{}, err
	}
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return domain.ConsumerDescriptor{}, err
	}

	sess.mu.Lock()
	entry := sess.transports[domain.DirectionRecv]
	if entry == nil {
		sess.mu.Unlock()
		return domain.ConsumerDescriptor{}, domain.ErrTransportNotFound
	}
	if entry.state != domain.TransportStateConnected {
		sess.mu.Unlock()
		return domain.ConsumerDescriptor{}, domain.ErrTransportNotConnected
	}
	if sess.producer == nil {
		sess.mu.Unlock()
		return domain.ConsumerDescriptor{}, domain.ErrNoProducer
	}
	producerID := sess.producer.producer.ID()

	if !sess.router.CanConsume(producerID, rtpCapabilities) {
		sess.mu.Unlock()
		s.metrics.RecordConsumeRejected()
		s.logger.Warnw("peer cannot consume producer",
			"session_id", sessionID,
			"connection_id", connID,
			"producer_id", producerID,
		)
		return domain.ConsumerDescriptor{}, domain.ErrCannotConsume
	}

	spanCtx, span := tracing.StartEngineCall(ctx, "consume", string(domain.DirectionRecv))
	consumer, err := entry.transport.Consume(spanCtx, ports.ConsumerOptions{
		ProducerID:      producerID,
		RtpCapabilities: rtpCapabilities,
		Paused:          true,
	})
	tracing.Finish(span, err)
	if err != nil {
		sess.mu.Unlock()
		return domain.ConsumerDescriptor{}, fmt.Errorf("failed to consume: %w", err)
	}

	events := sess.dropConsumerLocked(reasonReplaced)
	sess.consumer = &consumerEntry{consumer: consumer, owner: connID}
	events = append(events, domain.SessionEvent{
		Type:         domain.ConsumerCreated,
		ConnectionID: connID,
		EntityID:     consumer.ID(),
		ProducerID:   producerID,
		Kind:         consumer.Kind(),
	})
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.watch(sess, consumer.ID(), consumer.Events(), s.onConsumerEvent)
	s.dispatch(ctx, sess, conns, events)

	return domain.ConsumerDescriptor{
		ID:            consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

// ResumeConsumer starts the data flow of the paused consumer.
func (s *SessionService) ResumeConsumer(ctx context.Context, sessionID domain.SessionID) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.consumer == nil {
		sess.mu.Unlock()
		return domain.ErrNoConsumer
	}
	consumer := sess.consumer.consumer
	owner := sess.consumer.owner
	if !consumer.Paused() {
		sess.mu.Unlock()
		return domain.ErrConsumerNotPaused
	}
	spanCtx, span := tracing.StartEngineCall(ctx, "resumeConsumer", string(domain.DirectionRecv))
	err = consumer.Resume(spanCtx)
	tracing.Finish(span, err)
	if err != nil {
		sess.mu.Unlock()
		return fmt.Errorf("failed to resume consumer: %w", err)
	}
	conns := sess.connectionsLocked()
	sess.mu.Unlock()

	s.dispatch(ctx, sess, conns, []domain.SessionEvent{{
		Type:         domain.ConsumerResumed,
		ConnectionID: owner,
		EntityID:     consumer.ID(),
		ProducerID:   consumer.ProducerID(),
		Kind:         consumer.Kind(),
	}})
	return nil
}

func (s *SessionService) GetSession(ctx context.Context, sessionID domain.SessionID) (domain.SessionSnapshot, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return sess.Snapshot(), nil
}

func (s *SessionService) ListSessions(ctx context.Context) ([]domain.SessionSnapshot, error) {
	sessions, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out, nil
}

// Close tears down every session and waits for the event pumps to drain.
func (s *SessionService) Close(ctx context.Context) error {
	sessions, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, raw := range sessions {
		sess, ok := raw.(*session)
		if !ok {
			continue
		}
		sess.mu.Lock()
		events := sess.teardownLocked("shutdown")
		router := sess.router
		conns := sess.connectionsLocked()
		_ = s.repo.Remove(ctx, sess.id)
		sess.mu.Unlock()

		if router != nil {
			router.Close()
			events = append(events, domain.SessionEvent{Type: domain.SessionClosed, EntityID: router.ID(), Reason: "shutdown"})
		}
		s.dispatch(ctx, sess, conns, events)
	}
	s.pumps.Wait()
	return nil
}
