package webrtc

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/google/uuid"
)

type Transport struct {
	id     string
	router *Router
	port   uint16
	params ports.TransportParams

	mu         sync.Mutex
	closed     bool
	connected  bool
	remoteDTLS ports.DTLSParameters
	nextMID    int
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() ports.TransportParams {
	p := t.params
	p.ICECandidates = append([]ports.ICECandidate(nil), t.params.ICECandidates...)
	p.DTLSParameters.Fingerprints = append([]ports.DTLSFingerprint(nil), t.params.DTLSParameters.Fingerprints...)
	return p
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connect records the remote DTLS parameters. A transport connects once.
func (t *Transport) Connect(ctx context.Context, dtls ports.DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("%w: fingerprints required", domain.ErrInvalidDTLS)
	}
	for _, fp := range dtls.Fingerprints {
		if fp.Algorithm == "" || fp.Value == "" {
			return fmt.Errorf("%w: fingerprint needs algorithm and value", domain.ErrInvalidDTLS)
		}
	}
	switch dtls.Role {
	case "", "auto", "client", "server":
	default:
		return fmt.Errorf("%w: role %q", domain.ErrInvalidDTLS, dtls.Role)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrTransportClosed
	}
	if t.connected {
		return domain.ErrAlreadyConnected
	}
	t.connected = true
	t.remoteDTLS = dtls
	return nil
}

// Produce creates a producer after checking every codec against the router.
func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, rtpParams ports.RTPParameters, appData map[string]interface{}) (ports.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind != domain.MediaKindAudio && kind != domain.MediaKindVideo {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidMediaKind, kind)
	}
	if len(rtpParams.Codecs) == 0 {
		return nil, fmt.Errorf("%w: codecs required", domain.ErrInvalidRTPParams)
	}
	routerCaps := t.router.caps.Codecs
	for _, c := range rtpParams.Codecs {
		rc, ok := findCodec(routerCaps, c.MimeType, c.ClockRate, c.Channels)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%d", domain.ErrUnsupportedCodec, c.MimeType, c.ClockRate)
		}
		if rc.Kind != kind {
			return nil, fmt.Errorf("%w: %s is not %s", domain.ErrInvalidRTPParams, c.MimeType, kind)
		}
	}

	ssrc := rand.Uint32()
	if len(rtpParams.Encodings) > 0 && rtpParams.Encodings[0].SSRC != 0 {
		ssrc = rtpParams.Encodings[0].SSRC
	}

	p := &Producer{
		id:        uuid.NewString(),
		kind:      kind,
		rtp:       rtpParams,
		appData:   appData,
		ssrc:      ssrc,
		transport: t,
		consumers: make(map[string]*Consumer),
		rtcpCh:    make(chan rtcpPacket, 32),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		t.removeProducer(p.id)
		return nil, err
	}
	return p, nil
}

// Consume creates a paused consumer of a producer in the same router.
func (t *Transport) Consume(ctx context.Context, producerID string, caps ports.RTPCapabilities) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	params, err := consumableParameters(p.RTPParameters(), caps)
	if err != nil {
		return nil, err
	}
	params.Encodings = []ports.RTPEncoding{{SSRC: rand.Uint32()}}

	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		kind:      p.kind,
		transport: t,
		paused:    true,
		rtpCh:     make(chan rtpPacket, t.router.worker.engine.cfg.RTPBufferSize),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	params.MID = strconv.Itoa(t.nextMID)
	t.nextMID++
	c.rtp = params
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.attach(c) {
		t.removeConsumer(c.id)
		return nil, domain.ErrProducerNotFound
	}
	return c, nil
}

// Close releases the port and fires transport-close on everything the
// transport carried.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.mu.Unlock()

	for _, c := range consumers {
		c.closeWith(closeTransport)
	}
	for _, p := range producers {
		p.closeWith(closeTransport)
	}
	t.router.removeTransport(t.id)
	t.router.worker.engine.ports.release(t.port)
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}
