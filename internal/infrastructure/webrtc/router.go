package webrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

type Router struct {
	id     string
	worker *Worker
	caps   ports.RTPCapabilities

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string       { return r.id }
func (r *Router) WorkerID() string { return r.worker.id }

func (r *Router) RTPCapabilities() ports.RTPCapabilities {
	out := ports.RTPCapabilities{Codecs: make([]ports.RTPCodecCapability, len(r.caps.Codecs))}
	for i, c := range r.caps.Codecs {
		c.Parameters = cloneParams(c.Parameters)
		out.Codecs[i] = c
	}
	return out
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CreateTransport allocates a port and returns a WebRTC transport listening
// on the announced address.
func (r *Router) CreateTransport(ctx context.Context) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, domain.ErrRouterClosed
	}

	eng := r.worker.engine
	port, err := eng.ports.acquire()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:     uuid.NewString(),
		router: r,
		port:   port,
		params: ports.TransportParams{
			ICEParameters: ports.ICEParameters{
				UsernameFragment: randomToken(16),
				Password:         randomToken(32),
				ICELite:          true,
			},
			ICECandidates: []ports.ICECandidate{
				hostCandidate(webrtc.ICEProtocolUDP, eng.cfg.AnnouncedIP, port, 1076302079),
				hostCandidate(webrtc.ICEProtocolTCP, eng.cfg.AnnouncedIP, port, 1076276479),
			},
			DTLSParameters: ports.DTLSParameters{
				Role:         "auto",
				Fingerprints: append([]ports.DTLSFingerprint(nil), r.worker.fingerprints...),
			},
		},
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.params.ID = t.id

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		eng.ports.release(port)
		return nil, domain.ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	return t, nil
}

// CanConsume reports whether a consumer with the given capabilities could
// receive at least one codec of the producer.
func (r *Router) CanConsume(producerID string, caps ports.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	_, err := consumableParameters(p.RTPParameters(), caps)
	return err == nil
}

// Close closes every transport, which in turn fires transport-close on
// their producers and consumers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
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
		t.Close()
	}
	r.worker.removeRouter(r.id)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRouterClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

// consumableParameters maps producer codecs onto what the consumer can
// receive, using the consumer's payload types.
func consumableParameters(produced ports.RTPParameters, caps ports.RTPCapabilities) (ports.RTPParameters, error) {
	out := ports.RTPParameters{}
	for _, pc := range produced.Codecs {
		cc, ok := findCodec(caps.Codecs, pc.MimeType, pc.ClockRate, pc.Channels)
		if !ok {
			continue
		}
		pt := cc.PreferredPayloadType
		if pt == 0 {
			pt = pc.PayloadType
		}
		out.Codecs = append(out.Codecs, ports.RTPCodecParameters{
			MimeType:     cc.MimeType,
			PayloadType:  pt,
			ClockRate:    cc.ClockRate,
			Channels:     cc.Channels,
			Parameters:   cloneParams(pc.Parameters),
			RTCPFeedback: append([]ports.RTCPFeedback(nil), cc.RTCPFeedback...),
		})
	}
	if len(out.Codecs) == 0 {
		return ports.RTPParameters{}, fmt.Errorf("%w: no common codec", domain.ErrCannotConsume)
	}
	return out, nil
}

func hostCandidate(proto webrtc.ICEProtocol, ip string, port uint16, priority uint32) ports.ICECandidate {
	return ports.ICECandidate{
		Foundation: proto.String() + "candidate",
		Priority:   priority,
		IP:         ip,
		Protocol:   proto.String(),
		Port:       port,
		Type:       webrtc.ICECandidateTypeHost.String(),
	}
}

func randomToken(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}
