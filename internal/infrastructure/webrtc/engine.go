package webrtc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config tunes the in-process engine.
type Config struct {
	AnnouncedIP string
	PortMin     uint16
	PortMax     uint16
	// RTPBufferSize is the per-consumer queue; packets beyond it are dropped.
	RTPBufferSize int
}

// DefaultConfig binds candidates on loopback.
func DefaultConfig() Config {
	return Config{
		AnnouncedIP:   "127.0.0.1",
		PortMin:       40000,
		PortMax:       49999,
		RTPBufferSize: 256,
	}
}

// Engine is an in-process media engine. Workers are logical: each owns a
// DTLS certificate and its routers, and can be killed to simulate a crash.
type Engine struct {
	cfg    Config
	ports  *portAllocator
	logger *zap.SugaredLogger

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewEngine fills unset fields of cfg from DefaultConfig.
func NewEngine(cfg Config, logger *zap.SugaredLogger) *Engine {
	def := DefaultConfig()
	if cfg.AnnouncedIP == "" {
		cfg.AnnouncedIP = def.AnnouncedIP
	}
	if cfg.PortMin == 0 || cfg.PortMax == 0 || cfg.PortMin > cfg.PortMax {
		cfg.PortMin, cfg.PortMax = def.PortMin, def.PortMax
	}
	if cfg.RTPBufferSize <= 0 {
		cfg.RTPBufferSize = def.RTPBufferSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:     cfg,
		ports:   newPortAllocator(cfg.PortMin, cfg.PortMax),
		logger:  logger,
		workers: make(map[string]*Worker),
	}
}

// CreateWorker starts a worker with its own DTLS certificate.
func (e *Engine) CreateWorker(ctx context.Context) (ports.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("dtls fingerprints: %w", err)
	}

	fingerprints := make([]ports.DTLSFingerprint, 0, len(fps))
	for _, fp := range fps {
		fingerprints = append(fingerprints, ports.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     strings.ToUpper(fp.Value),
		})
	}

	w := &Worker{
		id:           uuid.NewString(),
		engine:       e,
		fingerprints: fingerprints,
		routers:      make(map[string]*Router),
		alive:        true,
	}

	e.mu.Lock()
	e.workers[w.id] = w
	e.mu.Unlock()

	e.logger.Infow("media worker started", "worker_id", w.id)
	return w, nil
}

// Worker looks up a live worker by id.
func (e *Engine) Worker(id string) (*Worker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[id]
	return w, ok
}

// Kill crashes a worker, firing its died handlers.
func (e *Engine) Kill(id string, reason error) bool {
	w, ok := e.Worker(id)
	if !ok {
		return false
	}
	w.Kill(reason)
	return true
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.workers, id)
	e.mu.Unlock()
}

type portAllocator struct {
	mu       sync.Mutex
	min, max uint16
	next     uint16
	used     map[uint16]bool
}

func newPortAllocator(min, max uint16) *portAllocator {
	return &portAllocator{min: min, max: max, next: min, used: make(map[uint16]bool)}
}

func (p *portAllocator) acquire() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := int(p.max) - int(p.min) + 1
	for i := 0; i < span; i++ {
		port := p.next
		if p.next == p.max {
			p.next = p.min
		} else {
			p.next++
		}
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, domain.ErrNoPortsAvailable
}

func (p *portAllocator) release(port uint16) {
	p.mu.Lock()
	delete(p.used, port)
	p.mu.Unlock()
}

func (p *portAllocator) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

func fire(handlers []func()) {
	for _, h := range handlers {
		go h()
	}
}
