package webrtc

import (
	"context"
	"sync"
	"sync/atomic"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/pion/rtp"
)

type Consumer struct {
	id        string
	producer  *Producer
	kind      domain.MediaKind
	rtp       ports.RTPParameters
	transport *Transport
	rtpCh     chan rtpPacket
	dropped   atomic.Uint64

	mu               sync.Mutex
	closed           bool
	paused           bool
	onTransportClose []func()
	onProducerClose  []func()
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind             { return c.kind }
func (c *Consumer) RTPParameters() ports.RTPParameters { return c.rtp }

// Dropped counts packets lost to a full receive queue.
func (c *Consumer) Dropped() uint64 { return c.dropped.Load() }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = append(c.onTransportClose, fn)
	c.mu.Unlock()
}

// OnProducerClose runs fn when the source producer closes. fn is not called
// for an explicit Close.
func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = append(c.onProducerClose, fn)
	c.mu.Unlock()
}

// Resume starts forwarding. Video consumers ask the producer for a key
// frame so the decoder can start.
func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrTransportClosed
	}
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()

	if wasPaused && c.kind == domain.MediaKindVideo {
		var ssrc uint32
		if len(c.rtp.Encodings) > 0 {
			ssrc = c.rtp.Encodings[0].SSRC
		}
		c.producer.requestKeyFrame(ssrc)
	}
	return nil
}

// ReadRTP returns the next forwarded packet, rewritten to the consumer's
// payload type and SSRC.
func (c *Consumer) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pkt, ok := <-c.rtpCh:
		if !ok {
			return nil, domain.ErrTransportClosed
		}
		return pkt, nil
	}
}

func (c *Consumer) Close() {
	c.closeWith(closeExplicit)
}

func (c *Consumer) deliver(pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.paused {
		return
	}

	out := pkt.Clone()
	if len(c.rtp.Codecs) > 0 {
		out.PayloadType = c.rtp.Codecs[0].PayloadType
	}
	if len(c.rtp.Encodings) > 0 {
		out.SSRC = c.rtp.Encodings[0].SSRC
	}

	select {
	case c.rtpCh <- out:
	default:
		c.dropped.Add(1)
	}
}

func (c *Consumer) closeWith(reason closeReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.rtpCh)
	var handlers []func()
	switch reason {
	case closeTransport:
		handlers = c.onTransportClose
	case closeProducer:
		handlers = c.onProducerClose
	}
	c.onTransportClose = nil
	c.onProducerClose = nil
	c.mu.Unlock()

	if reason != closeProducer {
		c.producer.detach(c.id)
	}
	if reason != closeTransport {
		c.transport.removeConsumer(c.id)
	}
	fire(handlers)
}
