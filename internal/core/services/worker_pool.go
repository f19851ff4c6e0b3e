package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

// replacementTimeout bounds the creation of a replacement worker.
const replacementTimeout = 10 * time.Second

// PoolEvents receives worker pool lifecycle updates.
type PoolEvents interface {
	WorkerDied(workerID string)
	WorkerReplaced(oldID, newID string)
	WorkersChanged(live int)
}

type replacement struct {
	deadID string
	timer  *time.Timer
}

// WorkerPool hands out engine workers round-robin and replaces workers that
// die after a cooldown.
type WorkerPool struct {
	engine       ports.MediaEngine
	restartDelay time.Duration
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	workers []ports.Worker
	cursor  int
	pending map[*replacement]struct{}
	closed  bool
	events  PoolEvents
}

// NewWorkerPool returns an empty pool. Call Initialize before Next.
// A dead worker is replaced after restartDelay.
func NewWorkerPool(engine ports.MediaEngine, restartDelay time.Duration, logger *zap.SugaredLogger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WorkerPool{
		engine:       engine,
		restartDelay: restartDelay,
		logger:       logger,
		pending:      make(map[*replacement]struct{}),
	}
}

// SetEvents installs the observer for worker deaths and replacements.
func (p *WorkerPool) SetEvents(e PoolEvents) {
	p.mu.Lock()
	p.events = e
	p.mu.Unlock()
}

// Initialize creates n workers. On failure the workers created so far are
// closed and the error is returned.
func (p *WorkerPool) Initialize(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("worker pool needs at least one worker, got %d", n)
	}

	created := make([]ports.Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := p.engine.CreateWorker(ctx)
		if err != nil {
			for _, c := range created {
				c.Close()
			}
			return fmt.Errorf("create worker %d of %d: %w", i+1, n, err)
		}
		created = append(created, w)
	}

	for _, w := range created {
		p.add(w)
	}
	p.logger.Infow("worker pool initialized", "workers", n)
	return nil
}

// Next returns the next live worker round-robin. It never blocks.
func (p *WorkerPool) Next() (ports.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.ErrNoWorkers
	}
	for range p.workers {
		w := p.workers[p.cursor%len(p.workers)]
		p.cursor = (p.cursor + 1) % len(p.workers)
		if w.Alive() {
			return w, nil
		}
	}
	return nil, domain.ErrNoWorkers
}

func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Snapshot lists the ids of the workers currently in the pool.
func (p *WorkerPool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		ids = append(ids, w.ID())
	}
	return ids
}

// Close cancels pending replacements and closes every worker.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for r := range p.pending {
		r.timer.Stop()
	}
	p.pending = make(map[*replacement]struct{})
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	p.logger.Infow("worker pool closed", "workers", len(workers))
}

func (p *WorkerPool) add(w ports.Worker) {
	p.mu.Lock()
	p.workers = append(p.workers, w)
	live := len(p.workers)
	events := p.events
	p.mu.Unlock()

	if events != nil {
		events.WorkersChanged(live)
	}
	w.OnDied(func(err error) { p.handleDied(w, err) })
	// died before the handler was registered
	if !w.Alive() {
		p.handleDied(w, domain.ErrWorkerClosed)
	}
}

func (p *WorkerPool) handleDied(w ports.Worker, cause error) {
	p.mu.Lock()
	idx := -1
	for i, cur := range p.workers {
		if cur == w {
			idx = i
			break
		}
	}
	if idx < 0 || p.closed {
		p.mu.Unlock()
		return
	}
	p.workers = append(p.workers[:idx], p.workers[idx+1:]...)
	if p.cursor > idx {
		p.cursor--
	}
	if len(p.workers) > 0 {
		p.cursor %= len(p.workers)
	} else {
		p.cursor = 0
	}
	live := len(p.workers)
	events := p.events

	r := &replacement{deadID: w.ID()}
	r.timer = time.AfterFunc(p.restartDelay, func() { p.replace(r) })
	p.pending[r] = struct{}{}
	p.mu.Unlock()

	p.logger.Errorw("worker died",
		"worker_id", w.ID(),
		"error", cause,
		"live_workers", live,
		"restart_in", p.restartDelay,
	)
	if events != nil {
		events.WorkerDied(w.ID())
		events.WorkersChanged(live)
	}
}

func (p *WorkerPool) replace(r *replacement) {
	p.mu.Lock()
	if _, ok := p.pending[r]; !ok || p.closed {
		p.mu.Unlock()
		return
	}
	delete(p.pending, r)
	p.mu.Unlock()

	deadID := r.deadID

	ctx, cancel := context.WithTimeout(context.Background(), replacementTimeout)
	defer cancel()

	w, err := p.engine.CreateWorker(ctx)
	if err != nil {
		p.logger.Errorw("failed to replace worker, pool stays shrunk", "worker_id", deadID, "error", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.Close()
		return
	}
	events := p.events
	p.mu.Unlock()

	p.add(w)
	p.logger.Infow("worker replaced", "old_worker_id", deadID, "worker_id", w.ID())
	if events != nil {
		events.WorkerReplaced(deadID, w.ID())
	}
}
