package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediagate/internal/core/domain"
	"mediagate/internal/peer"
	"mediagate/pkg/config"
	"mediagate/pkg/logger"
	"mediagate/pkg/validation"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	serverURL := flag.String("server", "", "signaling server URL, overrides peer.server_url")
	session := flag.String("session", "", "session to join, overrides peer.session")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Peer.ServerURL = *serverURL
	}
	if *session != "" {
		cfg.Peer.Session = *session
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("peer stopped", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target, err := signalingURL(cfg.Peer.ServerURL, cfg.Peer.Session)
	if err != nil {
		return err
	}

	ch, err := peer.Dial(ctx, target, peer.DialOptions{
		Attempts: cfg.Peer.DialAttempts,
		Backoff:  cfg.Peer.DialBackoff,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	opts := peer.Options{
		Kind:           domain.MediaKind(cfg.Peer.Kind),
		Simulcast:      cfg.Peer.Simulcast,
		RequestTimeout: cfg.Peer.RequestTimeout,
	}
	for _, enc := range cfg.Peer.Encodings {
		opts.Encodings = append(opts.Encodings, domain.RtpEncodingParameters{
			MaxBitrate:      enc.MaxBitrate,
			ScalabilityMode: enc.ScalabilityMode,
		})
	}

	p, err := peer.New(ch, peer.SyntheticAcquirer{}, opts, log.Named("peer"))
	if err != nil {
		_ = ch.Close()
		return err
	}
	defer p.Close()

	track, err := p.AcquireMedia(ctx)
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"getRtpCapabilities", func() error { _, err := p.GetRtpCapabilities(ctx); return err }},
		{"createDevice", p.CreateDevice},
		{"createSendTransport", func() error { _, err := p.CreateSendTransport(ctx); return err }},
		{"connectSendTransportAndProduce", func() error { _, err := p.ConnectSendTransportAndProduce(ctx); return err }},
		{"createRecvTransport", func() error { _, err := p.CreateRecvTransport(ctx); return err }},
		{"connectRecvTransportAndConsume", func() error { _, err := p.ConnectRecvTransportAndConsume(ctx); return err }},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		log.Infow("step done",
			"step", step.name,
			"send_state", p.SendState(),
			"recv_state", p.RecvState(),
			"duration", time.Since(start),
		)
	}

	producer, consumer := p.Producer(), p.Consumer()
	log.Infow("negotiation complete",
		"producer_id", producer.ID(),
		"consumer_id", consumer.ID(),
		"kind", producer.Kind(),
	)

	g, gctx := errgroup.WithContext(ctx)
	if synthetic, ok := track.(*peer.SyntheticTrack); ok {
		g.Go(func() error {
			return synthetic.Run(gctx, 20*time.Millisecond)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-consumer.Done():
			return fmt.Errorf("consumer closed: %s", consumer.CloseReason())
		case <-ch.Done():
			return fmt.Errorf("signaling channel closed: %w", ch.Err())
		}
	})
	return g.Wait()
}

func signalingURL(server, session string) (string, error) {
	if err := validation.ValidateURL(server); err != nil {
		return "", err
	}
	if session == "" {
		return server, nil
	}
	if err := validation.ValidateSessionID(session); err != nil {
		return "", err
	}

	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session", session)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
