package webrtc

import (
	"context"
	"fmt"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/google/uuid"
)

type Worker struct {
	id           string
	engine       *Engine
	fingerprints []ports.DTLSFingerprint

	mu      sync.Mutex
	alive   bool
	routers map[string]*Router
	onDied  []func(error)
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// OnDied registers fn to run once when the worker dies. Closing the worker
// does not count as death.
func (w *Worker) OnDied(fn func(err error)) {
	w.mu.Lock()
	w.onDied = append(w.onDied, fn)
	w.mu.Unlock()
}

// CreateRouter creates a routing context whose capabilities are the given
// codecs with payload types assigned from 100 upward where missing.
func (w *Worker) CreateRouter(ctx context.Context, codecs []ports.RTPCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(codecs) == 0 {
		return nil, fmt.Errorf("%w: router needs at least one codec", domain.ErrUnsupportedCodec)
	}

	caps := make([]ports.RTPCodecCapability, 0, len(codecs))
	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(100)
	for _, c := range codecs {
		c.Parameters = cloneParams(c.Parameters)
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		caps = append(caps, c)
	}

	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		caps:       ports.RTPCapabilities{Codecs: caps},
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}

	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return nil, domain.ErrWorkerClosed
	}
	w.routers[r.id] = r
	w.mu.Unlock()

	return r, nil
}

// Kill simulates a worker crash: routers close underneath their users and
// died handlers fire.
func (w *Worker) Kill(reason error) {
	if reason == nil {
		reason = fmt.Errorf("worker %s exited", w.id)
	}
	handlers, ok := w.shutdown()
	if !ok {
		return
	}
	w.engine.logger.Errorw("media worker died", "worker_id", w.id, "error", reason)
	for _, h := range handlers {
		go h(reason)
	}
}

// Close shuts the worker down without firing died handlers.
func (w *Worker) Close() {
	if _, ok := w.shutdown(); ok {
		w.engine.logger.Infow("media worker closed", "worker_id", w.id)
	}
}

func (w *Worker) shutdown() ([]func(error), bool) {
	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return nil, false
	}
	w.alive = false
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*Router)
	handlers := w.onDied
	w.onDied = nil
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	w.engine.forget(w.id)
	return handlers, true
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}
