package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	"mediagate/internal/core/services"
	"mediagate/internal/infrastructure/events"
	"mediagate/internal/infrastructure/repositories/memory"
	"mediagate/internal/infrastructure/signal"
	"mediagate/internal/infrastructure/webrtc"
	"mediagate/internal/protocol"
	"mediagate/pkg/config"
)

// startServer runs a signaling server backed by the in-process engine.
func startServer(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	cfg := config.DefaultConfig()
	cfg.Signal.RequestTimeout = 5 * time.Second

	engine, err := webrtc.NewEngine(webrtc.EngineConfig{RTCMinPort: 41100, RTCMaxPort: 41199}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	sessions := services.NewSessionService(
		memory.NewMemorySessionRepository(),
		engine,
		events.NewLogPublisher(log),
		nil,
		services.SessionConfig{
			MediaCodecs: []domain.RtpCodecCapability{
				{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
				{Kind: domain.MediaKindAudio, MimeType: "audio/PCMU", ClockRate: 8000},
				{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
			},
			Transport: ports.WebRtcTransportOptions{
				ListenIPs: []ports.ListenIP{{IP: "127.0.0.1"}},
				EnableUDP: true,
			},
		},
		log,
	)

	server, err := signal.NewWebSocketServer(sessions, nil, cfg, log)
	require.NoError(t, err)
	sessions.SetNotifier(server)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		ts.Close()
		_ = sessions.Close(ctx)
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialTest(t *testing.T, url, session string) *Channel {
	t.Helper()
	if session != "" {
		url += "?" + signal.SessionQueryParam + "=" + session
	}
	ch, err := Dial(context.Background(), url, DialOptions{Attempts: 1, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func newTestPeer(t *testing.T, url, session string, opts Options) *Peer {
	t.Helper()
	p, err := New(dialTest(t, url, session), SyntheticAcquirer{}, opts, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return p
}

// negotiate runs every step up to a consuming receive transport.
func negotiate(t *testing.T, p *Peer) (*Producer, *Consumer) {
	t.Helper()
	ctx := context.Background()

	_, err := p.AcquireMedia(ctx)
	require.NoError(t, err)
	_, err = p.GetRtpCapabilities(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CreateDevice())
	_, err = p.CreateSendTransport(ctx)
	require.NoError(t, err)
	producer, err := p.ConnectSendTransportAndProduce(ctx)
	require.NoError(t, err)
	_, err = p.CreateRecvTransport(ctx)
	require.NoError(t, err)
	consumer, err := p.ConnectRecvTransportAndConsume(ctx)
	require.NoError(t, err)
	return producer, consumer
}

func TestNew_MergesOptions(t *testing.T) {
	url := startServer(t)

	p := newTestPeer(t, url, "", Options{Kind: domain.MediaKindAudio, Simulcast: true})
	opts := p.Options()
	assert.Equal(t, domain.MediaKindAudio, opts.Kind)
	assert.True(t, opts.Simulcast)
	assert.Equal(t, 10*time.Second, opts.RequestTimeout)
	assert.Len(t, opts.Encodings, 3)

	p = newTestPeer(t, url, "", Options{
		RequestTimeout: time.Second,
		Encodings:      []domain.RtpEncodingParameters{{Rid: "only"}},
	})
	assert.Equal(t, domain.MediaKindVideo, p.Options().Kind)
	assert.Equal(t, time.Second, p.Options().RequestTimeout)
	assert.Len(t, p.Options().Encodings, 1)

	_, err := New(dialTest(t, url, ""), nil, Options{Kind: "screen"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	_, err = New(nil, nil, Options{}, nil)
	assert.Error(t, err)
}

func TestPeer_StateMachine(t *testing.T) {
	url := startServer(t)
	p := newTestPeer(t, url, "state-machine", Options{})
	ctx := context.Background()

	steps := []struct {
		run  func() error
		send State
		recv State
	}{
		{func() error { _, err := p.GetRtpCapabilities(ctx); return err }, StateCapabilitiesKnown, StateCapabilitiesKnown},
		{p.CreateDevice, StateDeviceReady, StateDeviceReady},
		{func() error { _, err := p.CreateSendTransport(ctx); return err }, StateSendTransportCreated, StateDeviceReady},
		{func() error {
			if _, err := p.AcquireMedia(ctx); err != nil {
				return err
			}
			_, err := p.ConnectSendTransportAndProduce(ctx)
			return err
		}, StateProducing, StateDeviceReady},
		{func() error { _, err := p.CreateRecvTransport(ctx); return err }, StateProducing, StateRecvTransportCreated},
		{func() error { _, err := p.ConnectRecvTransportAndConsume(ctx); return err }, StateProducing, StateConsuming},
	}

	assert.Equal(t, StateIdle, p.SendState())
	for i, step := range steps {
		require.NoError(t, step.run(), "step %d", i)
		assert.Equal(t, step.send, p.SendState(), "send state after step %d", i)
		assert.Equal(t, step.recv, p.RecvState(), "recv state after step %d", i)
	}

	assert.Equal(t, domain.TransportStateConnected, p.SendTransport().State())
	assert.Equal(t, domain.TransportStateConnected, p.RecvTransport().State())
	assert.Equal(t, p.Producer().ID(), p.Consumer().ProducerID())
	assert.False(t, p.Consumer().Paused())
	assert.Equal(t, domain.MediaKindVideo, p.Consumer().Kind())
}

func TestPeer_GetRtpCapabilitiesInAnyState(t *testing.T) {
	url := startServer(t)
	p := newTestPeer(t, url, "caps-any-state", Options{})
	ctx := context.Background()

	first, err := p.GetRtpCapabilities(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CreateDevice())

	again, err := p.GetRtpCapabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, StateDeviceReady, p.SendState())

	_, err = p.CreateSendTransport(ctx)
	require.NoError(t, err)
	_, err = p.GetRtpCapabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSendTransportCreated, p.SendState())
	assert.Equal(t, StateDeviceReady, p.RecvState())
}

func TestPeer_OutOfOrderSteps(t *testing.T) {
	url := startServer(t)
	p := newTestPeer(t, url, "out-of-order", Options{})
	ctx := context.Background()

	err := p.CreateDevice()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, domain.ErrPrerequisite)

	_, err = p.CreateSendTransport(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = p.ConnectSendTransportAndProduce(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = p.ConnectRecvTransportAndConsume(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = p.GetRtpCapabilities(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CreateDevice())

	assert.ErrorIs(t, p.CreateDevice(), ErrInvalidTransition)

	_, err = p.CreateSendTransport(ctx)
	require.NoError(t, err)
	_, err = p.CreateSendTransport(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// No track was acquired.
	_, err = p.ConnectSendTransportAndProduce(ctx)
	assert.ErrorIs(t, err, ErrNoMediaSource)
	assert.Equal(t, StateSendTransportCreated, p.SendState())

	// Nothing is produced in this session yet, so the server refuses.
	_, err = p.CreateRecvTransport(ctx)
	require.NoError(t, err)
	_, err = p.ConnectRecvTransportAndConsume(ctx)
	assert.ErrorIs(t, err, domain.ErrPrerequisite)
	assert.Equal(t, StateRecvTransportCreated, p.RecvState())
}

func TestPeer_AcquireMediaFailure(t *testing.T) {
	url := startServer(t)
	p, err := New(dialTest(t, url, ""), SyntheticAcquirer{Kinds: []domain.MediaKind{domain.MediaKindAudio}}, Options{}, nil)
	require.NoError(t, err)

	_, err = p.AcquireMedia(context.Background())
	assert.ErrorIs(t, err, ErrNoMediaSource)
}

func TestPeer_AudioPeer(t *testing.T) {
	url := startServer(t)
	p := newTestPeer(t, url, "audio", Options{Kind: domain.MediaKindAudio})

	producer, consumer := negotiate(t, p)
	assert.Equal(t, domain.MediaKindAudio, producer.Kind())
	assert.Equal(t, "audio/opus", producer.RtpParameters().Codecs[0].MimeType)
	assert.Equal(t, domain.MediaKindAudio, consumer.Kind())
}

func TestPeer_Simulcast(t *testing.T) {
	url := startServer(t)
	p := newTestPeer(t, url, "simulcast", Options{Simulcast: true})

	producer, consumer := negotiate(t, p)
	encodings := producer.RtpParameters().Encodings
	require.Len(t, encodings, 3)
	assert.Equal(t, "r0", encodings[0].Rid)
	assert.Equal(t, "r2", encodings[2].Rid)
	assert.Equal(t, 900000, encodings[2].MaxBitrate)
	assert.Equal(t, producer.ID(), consumer.ProducerID())
}

func TestPeer_CloseTransportMovesStateBack(t *testing.T) {
	url := startServer(t)
	p := newTestPeer(t, url, "close-transport", Options{})
	producer, consumer := negotiate(t, p)
	ctx := context.Background()

	require.NoError(t, p.CloseSendTransport(ctx))
	assert.Equal(t, StateDeviceReady, p.SendState())
	assert.Equal(t, ReasonTransportClose, producer.CloseReason())

	// The consumer learns about its producer from the server.
	select {
	case <-consumer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer not closed after its producer went away")
	}
	assert.Equal(t, ReasonProducerClose, consumer.CloseReason())
	assert.Equal(t, StateRecvTransportCreated, p.RecvState())

	// The send branch can be walked again.
	_, err := p.CreateSendTransport(ctx)
	require.NoError(t, err)
	_, err = p.AcquireMedia(ctx)
	require.NoError(t, err)
	_, err = p.ConnectSendTransportAndProduce(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateProducing, p.SendState())

	require.NoError(t, p.CloseRecvTransport(ctx))
	assert.Equal(t, StateDeviceReady, p.RecvState())
	assert.ErrorIs(t, p.CloseRecvTransport(ctx), ErrInvalidTransition)
}

func TestPeer_CannotConsume(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()

	// A raw client produces PCMU, which the peer device does not support.
	raw := dialTest(t, url, "cannot-consume")
	var created protocol.CreateTransportResponse
	require.NoError(t, raw.Request(ctx, protocol.MethodCreateWebRtcTransport, protocol.CreateTransportRequest{Sender: true}, &created))
	dtls, err := localDtlsParameters()
	require.NoError(t, err)
	require.NoError(t, raw.Request(ctx, protocol.MethodConnectSendTransport, protocol.ConnectTransportRequest{DtlsParameters: dtls}, nil))
	var produced protocol.ProduceResponse
	require.NoError(t, raw.Request(ctx, protocol.MethodProduce, protocol.ProduceRequest{
		Kind: domain.MediaKindAudio,
		RtpParameters: domain.RtpParameters{
			Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/PCMU", PayloadType: 0, ClockRate: 8000}},
			Encodings: []domain.RtpEncodingParameters{{Ssrc: 1111}},
		},
	}, &produced))
	require.NotEmpty(t, produced.ID)

	p := newTestPeer(t, url, "cannot-consume", Options{})
	_, err = p.GetRtpCapabilities(ctx)
	require.NoError(t, err)
	require.NoError(t, p.CreateDevice())
	_, err = p.CreateRecvTransport(ctx)
	require.NoError(t, err)

	_, err = p.ConnectRecvTransportAndConsume(ctx)
	assert.ErrorIs(t, err, domain.ErrCannotConsume)
	assert.Equal(t, StateRecvTransportCreated, p.RecvState())
}

func TestPeer_ConcurrentSessions(t *testing.T) {
	url := startServer(t)

	var g errgroup.Group
	for _, session := range []string{"room-a", "room-b", "room-c"} {
		p := newTestPeer(t, url, session, Options{})
		g.Go(func() error {
			ctx := context.Background()
			if _, err := p.AcquireMedia(ctx); err != nil {
				return err
			}
			if _, err := p.GetRtpCapabilities(ctx); err != nil {
				return err
			}
			if err := p.CreateDevice(); err != nil {
				return err
			}
			if _, err := p.CreateSendTransport(ctx); err != nil {
				return err
			}
			if _, err := p.ConnectSendTransportAndProduce(ctx); err != nil {
				return err
			}
			if _, err := p.CreateRecvTransport(ctx); err != nil {
				return err
			}
			_, err := p.ConnectRecvTransportAndConsume(ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())
}

func TestChannel_RequestAfterClose(t *testing.T) {
	url := startServer(t)
	ch := dialTest(t, url, "")
	require.NoError(t, ch.Close())

	err := ch.Request(context.Background(), protocol.MethodGetRtpCapabilities, nil, nil)
	assert.ErrorIs(t, err, ErrChannelClosed)

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel not done after close")
	}
}

func TestDial_GivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:9/ws", DialOptions{Attempts: 2, Backoff: 10 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 2 attempts")
}
