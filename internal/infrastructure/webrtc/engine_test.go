package webrtc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, min, max uint16) *Engine {
	t.Helper()
	return NewEngine(Config{AnnouncedIP: "10.0.0.1", PortMin: min, PortMax: max, RTPBufferSize: 8}, nil)
}

func newTestRouter(t *testing.T, e *Engine) (ports.Worker, ports.Router) {
	t.Helper()
	ctx := context.Background()
	w, err := e.CreateWorker(ctx)
	require.NoError(t, err)
	codecs, err := DefaultCodecs([]string{"audio/opus", "video/VP8"})
	require.NoError(t, err)
	r, err := w.CreateRouter(ctx, codecs)
	require.NoError(t, err)
	return w, r
}

func clientDTLS() ports.DTLSParameters {
	return ports.DTLSParameters{
		Role:         "client",
		Fingerprints: []ports.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
}

func vp8Params() ports.RTPParameters {
	return ports.RTPParameters{
		MID:       "0",
		Codecs:    []ports.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []ports.RTPEncoding{{SSRC: 1111}},
	}
}

// publish sets up a connected transport with one VP8 producer.
func publish(t *testing.T, r ports.Router) (ports.Transport, *Producer) {
	t.Helper()
	ctx := context.Background()
	tr, err := r.CreateTransport(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(ctx, clientDTLS()))
	p, err := tr.Produce(ctx, domain.MediaKindVideo, vp8Params(), nil)
	require.NoError(t, err)
	return tr, p.(*Producer)
}

func TestDefaultCodecs(t *testing.T) {
	codecs, err := DefaultCodecs([]string{"audio/opus", "VIDEO/vp8", "audio/opus"})
	require.NoError(t, err)
	require.Len(t, codecs, 2)
	assert.Equal(t, uint16(2), codecs[0].Channels)

	_, err = DefaultCodecs([]string{"video/AV2"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)
}

func TestRouter_AssignsPayloadTypes(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)

	caps := r.RTPCapabilities()
	require.Len(t, caps.Codecs, 2)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)
}

func TestCreateTransport_Params(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)

	tr, err := r.CreateTransport(context.Background())
	require.NoError(t, err)

	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)
	assert.Len(t, params.ICEParameters.UsernameFragment, 16)
	assert.Len(t, params.ICEParameters.Password, 32)
	require.Len(t, params.ICECandidates, 2)
	assert.Equal(t, "10.0.0.1", params.ICECandidates[0].IP)
	assert.Equal(t, "udp", params.ICECandidates[0].Protocol)
	assert.Equal(t, "host", params.ICECandidates[0].Type)
	assert.Equal(t, uint16(50000), params.ICECandidates[0].Port)
	assert.Equal(t, "auto", params.DTLSParameters.Role)
	require.NotEmpty(t, params.DTLSParameters.Fingerprints)
	assert.Equal(t, "sha-256", params.DTLSParameters.Fingerprints[0].Algorithm)
}

func TestConnect_Validation(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	ctx := context.Background()

	tr, err := r.CreateTransport(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Connect(ctx, ports.DTLSParameters{}), domain.ErrInvalidDTLS)
	bad := clientDTLS()
	bad.Role = "peer"
	assert.ErrorIs(t, tr.Connect(ctx, bad), domain.ErrInvalidDTLS)

	require.NoError(t, tr.Connect(ctx, clientDTLS()))
	assert.True(t, tr.Connected())
	assert.ErrorIs(t, tr.Connect(ctx, clientDTLS()), domain.ErrAlreadyConnected)
}

func TestProduce_RejectsUnsupportedCodec(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	ctx := context.Background()

	tr, err := r.CreateTransport(ctx)
	require.NoError(t, err)

	h264 := ports.RTPParameters{Codecs: []ports.RTPCodecParameters{{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000}}}
	_, err = tr.Produce(ctx, domain.MediaKindVideo, h264, nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	_, err = tr.Produce(ctx, domain.MediaKindAudio, vp8Params(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRTPParams)

	_, err = tr.Produce(ctx, domain.MediaKindVideo, ports.RTPParameters{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRTPParams)
}

func TestConsume_IncompatibleCapabilities(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	_, p := publish(t, r)

	audioOnly := ports.RTPCapabilities{Codecs: []ports.RTPCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}}
	assert.False(t, r.CanConsume(p.ID(), audioOnly))
	assert.True(t, r.CanConsume(p.ID(), r.RTPCapabilities()))
	assert.False(t, r.CanConsume("missing", r.RTPCapabilities()))

	down, err := r.CreateTransport(context.Background())
	require.NoError(t, err)
	_, err = down.Consume(context.Background(), p.ID(), audioOnly)
	assert.ErrorIs(t, err, domain.ErrCannotConsume)

	_, err = down.Consume(context.Background(), "missing", r.RTPCapabilities())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestConsumer_PausedUntilResumed(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	_, p := publish(t, r)
	ctx := context.Background()

	down, err := r.CreateTransport(ctx)
	require.NoError(t, err)
	cons, err := down.Consume(ctx, p.ID(), r.RTPCapabilities())
	require.NoError(t, err)
	c := cons.(*Consumer)

	assert.True(t, c.Paused())
	assert.Equal(t, p.ID(), c.ProducerID())
	assert.Equal(t, uint8(101), c.RTPParameters().Codecs[0].PayloadType)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, SSRC: 1111}, Payload: []byte{1, 2, 3}}
	require.NoError(t, p.WriteRTP(pkt))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = c.ReadRTP(short)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded, "paused consumer must not forward")

	require.NoError(t, c.Resume(ctx))
	require.NoError(t, p.WriteRTP(pkt))

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := c.ReadRTP(readCtx)
	require.NoError(t, err)
	assert.Equal(t, uint8(101), got.PayloadType)
	assert.Equal(t, c.RTPParameters().Encodings[0].SSRC, got.SSRC)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	assert.Equal(t, uint8(96), pkt.PayloadType, "source packet must not be mutated")
}

func TestConsumer_FullQueueDrops(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	_, p := publish(t, r)
	ctx := context.Background()

	down, _ := r.CreateTransport(ctx)
	cons, err := down.Consume(ctx, p.ID(), r.RTPCapabilities())
	require.NoError(t, err)
	c := cons.(*Consumer)
	require.NoError(t, c.Resume(ctx))

	for i := 0; i < 10; i++ {
		require.NoError(t, p.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}}))
	}
	assert.Equal(t, uint64(2), c.Dropped())
}

func TestResumeVideo_RequestsKeyFrame(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	_, p := publish(t, r)
	ctx := context.Background()

	down, _ := r.CreateTransport(ctx)
	cons, err := down.Consume(ctx, p.ID(), r.RTPCapabilities())
	require.NoError(t, err)
	require.NoError(t, cons.Resume(ctx))

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	pkt, err := p.ReadRTCP(readCtx)
	require.NoError(t, err)
	pli, ok := pkt.(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(1111), pli.MediaSSRC)

	// resuming again does not ask twice
	require.NoError(t, cons.Resume(ctx))
	short, cancel2 := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel2()
	_, err = p.ReadRTCP(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProducerClose_FiresProducerCloseOnConsumers(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	_, p := publish(t, r)
	ctx := context.Background()

	down, _ := r.CreateTransport(ctx)
	cons, err := down.Consume(ctx, p.ID(), r.RTPCapabilities())
	require.NoError(t, err)

	var producerClosed, transportClosed atomic.Int32
	cons.OnProducerClose(func() { producerClosed.Add(1) })
	cons.OnTransportClose(func() { transportClosed.Add(1) })

	p.Close()
	p.Close()

	assert.Eventually(t, func() bool { return producerClosed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, cons.Closed())
	assert.Equal(t, int32(0), transportClosed.Load())
	assert.False(t, r.CanConsume(p.ID(), r.RTPCapabilities()))
}

func TestTransportClose_Cascades(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	_, r := newTestRouter(t, e)
	up, p := publish(t, r)
	ctx := context.Background()

	down, _ := r.CreateTransport(ctx)
	cons, err := down.Consume(ctx, p.ID(), r.RTPCapabilities())
	require.NoError(t, err)

	var producerTransportClosed, consumerProducerClosed atomic.Int32
	p.OnTransportClose(func() { producerTransportClosed.Add(1) })
	cons.OnProducerClose(func() { consumerProducerClosed.Add(1) })

	up.Close()

	assert.Eventually(t, func() bool {
		return producerTransportClosed.Load() == 1 && consumerProducerClosed.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, p.Closed())
	assert.True(t, up.Closed())
	assert.ErrorIs(t, up.Connect(ctx, clientDTLS()), domain.ErrTransportClosed)
}

func TestWorkerKill_FiresDiedAndClosesRouters(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	w, r := newTestRouter(t, e)
	_, p := publish(t, r)
	require.Equal(t, 1, e.ports.inUse())

	died := make(chan error, 1)
	w.OnDied(func(err error) { died <- err })

	var transportClosed atomic.Int32
	p.OnTransportClose(func() { transportClosed.Add(1) })

	reason := errors.New("segfault")
	require.True(t, e.Kill(w.ID(), reason))

	select {
	case err := <-died:
		assert.ErrorIs(t, err, reason)
	case <-time.After(time.Second):
		t.Fatal("died handler not called")
	}
	assert.False(t, w.Alive())
	assert.True(t, r.Closed())
	assert.Eventually(t, func() bool { return transportClosed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.ports.inUse())

	_, err := w.CreateRouter(context.Background(), r.RTPCapabilities().Codecs)
	assert.ErrorIs(t, err, domain.ErrWorkerClosed)
	assert.False(t, e.Kill(w.ID(), reason))
}

func TestWorkerClose_DoesNotFireDied(t *testing.T) {
	e := newTestEngine(t, 50000, 50010)
	w, _ := newTestRouter(t, e)

	var died atomic.Int32
	w.OnDied(func(error) { died.Add(1) })
	w.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), died.Load())
	assert.False(t, w.Alive())
}

func TestPortExhaustion(t *testing.T) {
	e := newTestEngine(t, 50000, 50001)
	_, r := newTestRouter(t, e)
	ctx := context.Background()

	t1, err := r.CreateTransport(ctx)
	require.NoError(t, err)
	_, err = r.CreateTransport(ctx)
	require.NoError(t, err)

	_, err = r.CreateTransport(ctx)
	assert.ErrorIs(t, err, domain.ErrNoPortsAvailable)

	t1.Close()
	_, err = r.CreateTransport(ctx)
	assert.NoError(t, err)
}
