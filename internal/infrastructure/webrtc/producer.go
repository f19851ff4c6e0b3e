package webrtc

import (
	"context"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

type closeReason int

const (
	closeExplicit closeReason = iota
	closeTransport
	closeProducer
)

type rtpPacket = *rtp.Packet
type rtcpPacket = rtcp.Packet

type Producer struct {
	id        string
	kind      domain.MediaKind
	rtp       ports.RTPParameters
	appData   map[string]interface{}
	ssrc      uint32
	transport *Transport
	rtcpCh    chan rtcpPacket

	mu               sync.Mutex
	closed           bool
	consumers        map[string]*Consumer
	onTransportClose []func()
	forwarded        uint64
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() domain.MediaKind             { return p.kind }
func (p *Producer) RTPParameters() ports.RTPParameters { return p.rtp }
func (p *Producer) AppData() map[string]interface{}    { return p.appData }
func (p *Producer) SSRC() uint32                       { return p.ssrc }

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = append(p.onTransportClose, fn)
	p.mu.Unlock()
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes the producer; its consumers get producer-close.
func (p *Producer) Close() {
	p.closeWith(closeExplicit)
}

// WriteRTP fans a packet out to every resumed consumer. Paused consumers
// drop it.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrProducerNotFound
	}
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.forwarded++
	p.mu.Unlock()

	for _, c := range consumers {
		c.deliver(pkt)
	}
	return nil
}

// ReadRTCP returns the next feedback packet sent upstream by consumers,
// e.g. key frame requests.
func (p *Producer) ReadRTCP(ctx context.Context) (rtcp.Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pkt := <-p.rtcpCh:
		return pkt, nil
	}
}

func (p *Producer) requestKeyFrame(senderSSRC uint32) {
	pli := &rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: p.ssrc}
	select {
	case p.rtcpCh <- pli:
	default:
	}
}

func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) detach(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) closeWith(reason closeReason) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*Consumer)
	handlers := p.onTransportClose
	p.onTransportClose = nil
	p.mu.Unlock()

	p.transport.router.removeProducer(p.id)
	if reason != closeTransport {
		p.transport.removeProducer(p.id)
	}
	for _, c := range consumers {
		c.closeWith(closeProducer)
	}
	if reason == closeTransport {
		fire(handlers)
	}
}
