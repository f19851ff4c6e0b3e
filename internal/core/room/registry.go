package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

// WorkerSource hands out workers for new rooms.
type WorkerSource interface {
	Next() (ports.Worker, error)
}

// RouterFactory builds a room's router on a worker.
type RouterFactory interface {
	CreateRouter(ctx context.Context, worker ports.Worker) (ports.Router, error)
}

// Observer is told about the number of rooms after every change.
type Observer interface {
	RoomsChanged(count int)
}

// LostFunc is called for each room dropped because its worker died.
// hadPublisher reports whether a publisher held the room at the time.
type LostFunc func(r *Room, hadPublisher bool)

// Registry maps stream tokens to rooms. Lock order is registry, then room.
type Registry struct {
	workers  WorkerSource
	routers  RouterFactory
	logger   *zap.SugaredLogger
	observer Observer
	lost     LostFunc

	mu    sync.Mutex
	rooms map[domain.StreamToken]*Room
	// watched holds the ids of workers with a died hook installed.
	watched map[string]struct{}
}

// NewRegistry places each new room on the next worker from workers.
func NewRegistry(workers WorkerSource, routers RouterFactory, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		workers: workers,
		routers: routers,
		logger:  logger,
		rooms:   make(map[domain.StreamToken]*Room),
		watched: make(map[string]struct{}),
	}
}

// SetObserver installs the room count observer.
func (g *Registry) SetObserver(o Observer) {
	g.mu.Lock()
	g.observer = o
	g.mu.Unlock()
}

// OnRoomLost installs fn to run after a room is dropped with its worker.
func (g *Registry) OnRoomLost(fn LostFunc) {
	g.mu.Lock()
	g.lost = fn
	g.mu.Unlock()
}

// GetOrCreate returns the room for token, creating it on the next worker if
// needed. A room whose router closed before the died hook fired is replaced.
func (g *Registry) GetOrCreate(ctx context.Context, token domain.StreamToken) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getOrCreateLocked(ctx, token)
}

// Acquire is GetOrCreate plus Attach in one step, so an idle sweep cannot
// reclaim the room between the two.
func (g *Registry) Acquire(ctx context.Context, token domain.StreamToken) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, err := g.getOrCreateLocked(ctx, token)
	if err != nil {
		return nil, err
	}
	r.Attach()
	return r, nil
}

func (g *Registry) getOrCreateLocked(ctx context.Context, token domain.StreamToken) (*Room, error) {
	if r, ok := g.rooms[token]; ok {
		if !r.router.Closed() && !r.Closed() {
			return r, nil
		}
		g.logger.Warnw("replacing room with dead router", "stream_token", token, "worker_id", r.router.WorkerID())
		delete(g.rooms, token)
		r.Close()
	}

	w, err := g.workers.Next()
	if err != nil {
		return nil, fmt.Errorf("pick worker: %w", err)
	}
	router, err := g.routers.CreateRouter(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("create router on worker %s: %w", w.ID(), err)
	}

	if _, ok := g.watched[w.ID()]; !ok {
		g.watched[w.ID()] = struct{}{}
		workerID := w.ID()
		w.OnDied(func(err error) { g.workerDied(workerID, err) })
	}

	r := New(token, router, g.logger)
	g.rooms[token] = r
	g.logger.Infow("room created", "stream_token", token, "worker_id", w.ID(), "router_id", router.ID())
	g.notifyLocked()
	return r, nil
}

// workerDied drops every room hosted on the worker. Viewers are told the
// publisher ended and the lost handler runs for each room.
func (g *Registry) workerDied(workerID string, cause error) {
	g.mu.Lock()
	delete(g.watched, workerID)
	var lost []*Room
	for token, r := range g.rooms {
		if r.router.WorkerID() == workerID {
			delete(g.rooms, token)
			lost = append(lost, r)
		}
	}
	if len(lost) > 0 {
		g.notifyLocked()
	}
	handler := g.lost
	g.mu.Unlock()

	for _, r := range lost {
		hadPublisher := r.fail()
		g.logger.Warnw("room lost with its worker",
			"stream_token", r.token,
			"worker_id", workerID,
			"had_publisher", hadPublisher,
			"error", cause,
		)
		if handler != nil {
			handler(r, hadPublisher)
		}
	}
}

// Get looks a room up without creating it.
func (g *Registry) Get(token domain.StreamToken) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[token]
	return r, ok
}

// Delete closes and removes the room. Absent tokens are ignored.
func (g *Registry) Delete(token domain.StreamToken) {
	g.mu.Lock()
	r, ok := g.rooms[token]
	if ok {
		delete(g.rooms, token)
		g.notifyLocked()
	}
	g.mu.Unlock()

	if ok {
		r.Close()
		g.logger.Infow("room deleted", "stream_token", token)
	}
}

// DeleteIfIdle deletes the room when it has no live publisher, no viewers
// and no attached sessions.
func (g *Registry) DeleteIfIdle(token domain.StreamToken) bool {
	g.mu.Lock()
	r, ok := g.rooms[token]
	if !ok {
		g.mu.Unlock()
		return false
	}
	r.mu.Lock()
	reclaim := r.reclaimableLocked()
	r.mu.Unlock()
	if !reclaim {
		g.mu.Unlock()
		return false
	}
	delete(g.rooms, token)
	g.notifyLocked()
	g.mu.Unlock()

	r.Close()
	g.logger.Infow("idle room deleted", "stream_token", token)
	return true
}

// List snapshots all rooms ordered by token.
func (g *Registry) List() []Info {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// CloseAll closes every room, used on shutdown.
func (g *Registry) CloseAll() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[domain.StreamToken]*Room)
	g.notifyLocked()
	g.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
}

func (g *Registry) notifyLocked() {
	if g.observer != nil {
		g.observer.RoomsChanged(len(g.rooms))
	}
}
