package webrtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

func newTestEngine(t *testing.T, minPort, maxPort uint16) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{RTCMinPort: minPort, RTCMaxPort: maxPort}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func newTestRouter(t *testing.T, engine *Engine) *Router {
	t.Helper()
	router, err := engine.CreateRouter(context.Background(), testMediaCodecs())
	require.NoError(t, err)
	return router.(*Router)
}

func testTransportOptions() ports.WebRtcTransportOptions {
	return ports.WebRtcTransportOptions{
		ListenIPs: []ports.ListenIP{{IP: "127.0.0.1"}},
		EnableUDP: true,
		EnableTCP: true,
		PreferUDP: true,
	}
}

func newTestTransport(t *testing.T, router *Router) *Transport {
	t.Helper()
	transport, err := router.CreateWebRtcTransport(context.Background(), testTransportOptions())
	require.NoError(t, err)
	return transport.(*Transport)
}

func remoteDtls() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role: domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AA:BB:CC"},
		},
	}
}

func nextEvent(t *testing.T, ch <-chan domain.EntityEvent) domain.EntityEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.EntityEvent{}
}

func vp8Packet(payloadType uint8, keyframe bool) *rtp.Packet {
	header := byte(0x01)
	if keyframe {
		header = 0x00
	}
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: 1,
			Timestamp:      3000,
			SSRC:           1111,
		},
		Payload: []byte{0x10, header, 0x9d, 0x01, 0x2a},
	}
}

func TestEngine_CreateTransport(t *testing.T) {
	engine := newTestEngine(t, 41000, 41009)
	router := newTestRouter(t, engine)

	transport := newTestTransport(t, router)
	desc := transport.Descriptor()

	assert.Equal(t, transport.ID(), desc.ID)
	assert.NotEmpty(t, desc.IceParameters.UsernameFragment)
	assert.NotEmpty(t, desc.IceParameters.Password)
	assert.True(t, desc.IceParameters.IceLite)
	require.Len(t, desc.IceCandidates, 2)
	assert.Equal(t, "udp", desc.IceCandidates[0].Protocol)
	assert.Greater(t, desc.IceCandidates[0].Priority, desc.IceCandidates[1].Priority)
	assert.Equal(t, "passive", desc.IceCandidates[1].TCPType)
	assert.Equal(t, domain.DtlsRoleAuto, desc.DtlsParameters.Role)
	assert.NotEmpty(t, desc.DtlsParameters.Fingerprints)
	assert.Equal(t, domain.DtlsStateNew, transport.DtlsState())

	t.Run("announced ip replaces listen ip", func(t *testing.T) {
		opts := testTransportOptions()
		opts.ListenIPs = []ports.ListenIP{{IP: "0.0.0.0", AnnouncedIP: "203.0.113.7"}}
		tr, err := router.CreateWebRtcTransport(context.Background(), opts)
		require.NoError(t, err)
		for _, c := range tr.Descriptor().IceCandidates {
			assert.Equal(t, "203.0.113.7", c.IP)
		}
	})

	t.Run("no protocol enabled", func(t *testing.T) {
		opts := testTransportOptions()
		opts.EnableUDP, opts.EnableTCP = false, false
		_, err := router.CreateWebRtcTransport(context.Background(), opts)
		assert.ErrorIs(t, err, domain.ErrInvalidParameters)
	})
}

func TestEngine_PortExhaustion(t *testing.T) {
	engine := newTestEngine(t, 42000, 42000)
	router := newTestRouter(t, engine)

	first := newTestTransport(t, router)
	assert.Equal(t, 0, engine.AvailablePorts())

	_, err := router.CreateWebRtcTransport(context.Background(), testTransportOptions())
	assert.ErrorIs(t, err, errNoPortAvailable)

	first.Close()
	assert.Equal(t, 1, engine.AvailablePorts())

	_, err = router.CreateWebRtcTransport(context.Background(), testTransportOptions())
	assert.NoError(t, err)
}

func TestTransport_Connect(t *testing.T) {
	engine := newTestEngine(t, 43000, 43009)
	router := newTestRouter(t, engine)
	transport := newTestTransport(t, router)
	ctx := context.Background()

	t.Run("rejects missing fingerprints", func(t *testing.T) {
		err := transport.Connect(ctx, domain.DtlsParameters{Role: domain.DtlsRoleClient})
		assert.ErrorIs(t, err, domain.ErrInvalidParameters)
	})

	require.NoError(t, transport.Connect(ctx, remoteDtls()))
	assert.Equal(t, domain.DtlsStateConnected, transport.DtlsState())
	assert.Equal(t, domain.DtlsRoleServer, transport.Descriptor().DtlsParameters.Role)

	ev := nextEvent(t, transport.Events())
	assert.Equal(t, domain.EventDtlsStateChange, ev.Type)
	assert.Equal(t, domain.DtlsStateConnecting, ev.DtlsState)
	ev = nextEvent(t, transport.Events())
	assert.Equal(t, domain.DtlsStateConnected, ev.DtlsState)

	t.Run("second connect fails", func(t *testing.T) {
		err := transport.Connect(ctx, remoteDtls())
		assert.ErrorIs(t, err, domain.ErrTransportAlreadyConnected)
	})

	t.Run("remote close is reported", func(t *testing.T) {
		transport.HandleRemoteDtlsState(domain.DtlsStateClosed)
		ev := nextEvent(t, transport.Events())
		assert.Equal(t, domain.EventDtlsStateChange, ev.Type)
		assert.Equal(t, domain.DtlsStateClosed, ev.DtlsState)
		assert.Equal(t, transport.ID(), ev.EntityID)
	})
}

func TestEngine_ProduceConsumeForwarding(t *testing.T) {
	engine := newTestEngine(t, 44000, 44009)
	router := newTestRouter(t, engine)
	ctx := context.Background()

	send := newTestTransport(t, router)
	recv := newTestTransport(t, router)
	require.NoError(t, send.Connect(ctx, remoteDtls()))
	require.NoError(t, recv.Connect(ctx, remoteDtls()))

	p, err := send.Produce(ctx, ports.ProducerOptions{
		Kind:          domain.MediaKindVideo,
		RtpParameters: videoProducerParameters(),
	})
	require.NoError(t, err)
	producer := p.(*Producer)
	assert.Equal(t, "0", producer.RtpParameters().Mid)

	var feedback []rtcp.Packet
	feedbackCh := make(chan struct{}, 4)
	producer.OnRTCP(func(pkts []rtcp.Packet) {
		feedback = append(feedback, pkts...)
		feedbackCh <- struct{}{}
	})

	assert.True(t, router.CanConsume(producer.ID(), router.RtpCapabilities()))
	assert.False(t, router.CanConsume("unknown", router.RtpCapabilities()))

	c, err := recv.Consume(ctx, ports.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: router.RtpCapabilities(),
		Paused:          true,
	})
	require.NoError(t, err)
	consumer := c.(*Consumer)
	assert.True(t, consumer.Paused())
	assert.Equal(t, producer.ID(), consumer.ProducerID())
	assert.Equal(t, domain.MediaKindVideo, consumer.Kind())

	received := make(chan *rtp.Packet, 8)
	consumer.OnRTP(func(pkt *rtp.Packet) { received <- pkt })

	t.Run("paused consumer forwards nothing", func(t *testing.T) {
		require.NoError(t, producer.WriteRTP(vp8Packet(101, true)))
		assert.Zero(t, consumer.PacketsSent())
		assert.Len(t, received, 0)
	})

	require.NoError(t, consumer.Resume(ctx))
	assert.False(t, consumer.Paused())

	select {
	case <-feedbackCh:
	case <-time.After(time.Second):
		t.Fatal("no keyframe request after resume")
	}
	require.Len(t, feedback, 1)
	pli, ok := feedback[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(1111), pli.MediaSSRC)

	t.Run("waits for keyframe after resume", func(t *testing.T) {
		require.NoError(t, producer.WriteRTP(vp8Packet(101, false)))
		assert.Zero(t, consumer.PacketsSent())

		require.NoError(t, producer.WriteRTP(vp8Packet(101, true)))
		require.Equal(t, uint64(1), consumer.PacketsSent())

		out := <-received
		assert.Equal(t, consumer.RtpParameters().Encodings[0].Ssrc, out.SSRC)
		assert.Equal(t, uint8(101), out.PayloadType)

		require.NoError(t, producer.WriteRTP(vp8Packet(101, false)))
		assert.Equal(t, uint64(2), consumer.PacketsSent())
	})

	t.Run("unknown payload type is dropped", func(t *testing.T) {
		require.NoError(t, producer.WriteRTP(vp8Packet(99, true)))
		assert.Equal(t, uint64(2), consumer.PacketsSent())
	})

	t.Run("receiver feedback reaches producer", func(t *testing.T) {
		consumer.WriteRTCP([]rtcp.Packet{
			&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{SSRC: consumer.ssrc, FractionLost: 64}}},
			&rtcp.PictureLossIndication{MediaSSRC: consumer.ssrc},
		})
		assert.Equal(t, uint8(64), consumer.FractionLost())
		select {
		case <-feedbackCh:
		case <-time.After(time.Second):
			t.Fatal("keyframe request not relayed")
		}
	})
}

func TestEngine_ConsumeIncompatible(t *testing.T) {
	engine := newTestEngine(t, 45000, 45009)
	router := newTestRouter(t, engine)
	ctx := context.Background()

	send := newTestTransport(t, router)
	recv := newTestTransport(t, router)

	producer, err := send.Produce(ctx, ports.ProducerOptions{
		Kind:          domain.MediaKindVideo,
		RtpParameters: videoProducerParameters(),
	})
	require.NoError(t, err)

	audioOnly := domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{router.RtpCapabilities().Codecs[0]}}
	assert.False(t, router.CanConsume(producer.ID(), audioOnly))

	_, err = recv.Consume(ctx, ports.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: audioOnly,
		Paused:          true,
	})
	assert.ErrorIs(t, err, domain.ErrCannotConsume)
}

func TestEngine_CloseCascade(t *testing.T) {
	engine := newTestEngine(t, 46000, 46009)
	router := newTestRouter(t, engine)
	ctx := context.Background()

	send := newTestTransport(t, router)
	recv := newTestTransport(t, router)

	producer, err := send.Produce(ctx, ports.ProducerOptions{Kind: domain.MediaKindAudio, RtpParameters: audioProducerParameters()})
	require.NoError(t, err)
	consumer, err := recv.Consume(ctx, ports.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: router.RtpCapabilities(),
		Paused:          true,
	})
	require.NoError(t, err)

	t.Run("transport close closes its producer", func(t *testing.T) {
		send.Close()
		assert.True(t, send.Closed())
		assert.True(t, producer.Closed())

		ev := nextEvent(t, producer.Events())
		assert.Equal(t, domain.EventTransportClose, ev.Type)
		_, open := <-producer.Events()
		assert.False(t, open)

		ev = nextEvent(t, consumer.Events())
		assert.Equal(t, domain.EventProducerClose, ev.Type)
		assert.True(t, consumer.Closed())

		ev = nextEvent(t, send.Events())
		assert.Equal(t, domain.EventClose, ev.Type)
	})

	t.Run("closed producer cannot be consumed", func(t *testing.T) {
		assert.False(t, router.CanConsume(producer.ID(), router.RtpCapabilities()))
	})

	t.Run("router close closes transports", func(t *testing.T) {
		router.Close()
		assert.True(t, recv.Closed())
		ev := nextEvent(t, recv.Events())
		assert.Equal(t, domain.EventRouterClose, ev.Type)

		_, err := router.CreateWebRtcTransport(ctx, testTransportOptions())
		assert.ErrorIs(t, err, domain.ErrEntityClosed)
	})
}

func TestEngine_Kill(t *testing.T) {
	engine := newTestEngine(t, 47000, 47009)
	router := newTestRouter(t, engine)
	transport := newTestTransport(t, router)

	engine.Kill(errors.New("worker crashed"))

	select {
	case <-engine.Died():
	case <-time.After(time.Second):
		t.Fatal("died channel not closed")
	}
	assert.EqualError(t, engine.Err(), "worker crashed")
	assert.True(t, router.Closed())
	assert.True(t, transport.Closed())

	_, err := engine.CreateRouter(context.Background(), testMediaCodecs())
	assert.ErrorIs(t, err, domain.ErrEngineUnavailable)

	// A second kill is a no-op.
	engine.Kill(errors.New("again"))
	assert.EqualError(t, engine.Err(), "worker crashed")
}

func TestEngine_PanicInDataPlaneKillsEngine(t *testing.T) {
	engine := newTestEngine(t, 48000, 48009)
	router := newTestRouter(t, engine)
	ctx := context.Background()

	send := newTestTransport(t, router)
	recv := newTestTransport(t, router)
	p, err := send.Produce(ctx, ports.ProducerOptions{Kind: domain.MediaKindAudio, RtpParameters: audioProducerParameters()})
	require.NoError(t, err)
	c, err := recv.Consume(ctx, ports.ConsumerOptions{ProducerID: p.ID(), RtpCapabilities: router.RtpCapabilities()})
	require.NoError(t, err)

	c.(*Consumer).OnRTP(func(*rtp.Packet) { panic("boom") })
	err = p.(*Producer).WriteRTP(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SSRC: 3333},
		Payload: []byte{0x01},
	})
	require.NoError(t, err)

	select {
	case <-engine.Died():
	case <-time.After(time.Second):
		t.Fatal("engine survived a data plane panic")
	}
	assert.Error(t, engine.Err())
}

func TestEventStream_FinishWithFullBuffer(t *testing.T) {
	stream := newEventStream("producer-1")
	for i := 0; i < eventBufferSize+5; i++ {
		stream.emit(domain.EntityEvent{Type: domain.EventDtlsStateChange, DtlsState: domain.DtlsStateConnecting})
	}

	require.True(t, stream.finish(domain.EventTransportClose))
	assert.False(t, stream.finish(domain.EventClose))

	var events []domain.EntityEvent
	for ev := range stream.channel() {
		events = append(events, ev)
	}
	require.Len(t, events, eventBufferSize)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventTransportClose, last.Type)
	assert.Equal(t, "producer-1", last.EntityID)
}
