package services

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/circuitbreaker"
	"relaycast/pkg/tracing"

	"go.uber.org/zap"
)

type syncOp string

const (
	syncLive    syncOp = "mark_live"
	syncEnded   syncOp = "mark_ended"
	syncViewers syncOp = "viewer_count"
)

type syncTask struct {
	op    syncOp
	token domain.StreamToken
	at    time.Time
	count int
}

// SyncObserver is told about every dropped or completed write.
type SyncObserver interface {
	SyncDropped(op string)
	SyncCompleted(op string, err error)
}

type StatusSyncerConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Breaker   circuitbreaker.Config
}

func DefaultStatusSyncerConfig() StatusSyncerConfig {
	return StatusSyncerConfig{
		Workers:   4,
		QueueSize: 256,
		Timeout:   5 * time.Second,
		Breaker:   circuitbreaker.DefaultConfig(),
	}
}

// StatusSyncer mirrors derived room status into the stream store off the
// signaling path. Writes for one token go to the same queue and are applied
// in order; a full queue drops the write.
type StatusSyncer struct {
	repo    ports.StreamRepository
	events  ports.StreamEventPublisher
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.SugaredLogger

	observer SyncObserver

	mu      sync.RWMutex
	stopped bool
	queues  []chan syncTask
	wg      sync.WaitGroup

	dropped atomic.Uint64
}

// NewStatusSyncer starts the queue workers. events may be nil.
func NewStatusSyncer(repo ports.StreamRepository, events ports.StreamEventPublisher, cfg StatusSyncerConfig, logger *zap.SugaredLogger) *StatusSyncer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	s := &StatusSyncer{
		repo:    repo,
		events:  events,
		breaker: circuitbreaker.New(cfg.Breaker),
		timeout: cfg.Timeout,
		logger:  logger,
		queues:  make([]chan syncTask, cfg.Workers),
	}
	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("stream store breaker changed state", "from", from.String(), "to", to.String())
	})

	for i := range s.queues {
		q := make(chan syncTask, cfg.QueueSize)
		s.queues[i] = q
		s.wg.Add(1)
		go s.run(q)
	}
	return s
}

func (s *StatusSyncer) SetObserver(o SyncObserver) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// MarkLive, MarkEnded and UpdateViewerCount queue a write and never block.
// A full queue drops the write.
func (s *StatusSyncer) MarkLive(token domain.StreamToken) {
	s.enqueue(syncTask{op: syncLive, token: token, at: time.Now()})
}

func (s *StatusSyncer) MarkEnded(token domain.StreamToken) {
	s.enqueue(syncTask{op: syncEnded, token: token, at: time.Now()})
}

func (s *StatusSyncer) UpdateViewerCount(token domain.StreamToken, count int) {
	s.enqueue(syncTask{op: syncViewers, token: token, at: time.Now(), count: count})
}

// Dropped reports how many writes were discarded.
func (s *StatusSyncer) Dropped() uint64 {
	return s.dropped.Load()
}

// BreakerState exposes the store circuit breaker for health reporting.
func (s *StatusSyncer) BreakerState() circuitbreaker.State {
	return s.breaker.GetState()
}

// Stop stops accepting writes and waits for queued ones to drain or for
// ctx to end.
func (s *StatusSyncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		for _, q := range s.queues {
			close(q)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReconcileStale ends records still marked live from a previous run. Rooms
// are process memory, so nothing can be live at startup.
func (s *StatusSyncer) ReconcileStale(ctx context.Context) (int, error) {
	live, err := s.repo.ListLive(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	ended := 0
	for _, st := range live {
		if err := s.repo.MarkEnded(ctx, st.Token, now); err != nil {
			s.logger.Warnw("failed to end stale stream", "stream_token", st.Token, "error", err)
			continue
		}
		ended++
	}
	if ended > 0 {
		s.logger.Infow("ended stale live streams", "count", ended)
	}
	return ended, nil
}

func (s *StatusSyncer) enqueue(t syncTask) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		s.drop(t, "stopped")
		return
	}
	select {
	case s.queues[shard(t.token, len(s.queues))] <- t:
	default:
		s.drop(t, "queue full")
	}
}

// drop runs with mu read-locked.
func (s *StatusSyncer) drop(t syncTask, reason string) {
	s.dropped.Add(1)
	s.logger.Warnw("stream status write dropped", "op", t.op, "stream_token", t.token, "reason", reason)
	if s.observer != nil {
		s.observer.SyncDropped(string(t.op))
	}
}

func shard(token domain.StreamToken, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(n))
}

func (s *StatusSyncer) run(q <-chan syncTask) {
	defer s.wg.Done()
	for t := range q {
		s.apply(t)
	}
}

func (s *StatusSyncer) apply(t syncTask) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	missing := false
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		err := s.write(ctx, t)
		if errors.Is(err, domain.ErrStreamNotFound) {
			// no record for this token: nothing to mirror, and not a store fault
			missing = true
			return nil
		}
		return err
	})

	s.mu.RLock()
	observer := s.observer
	s.mu.RUnlock()
	if observer != nil {
		observer.SyncCompleted(string(t.op), err)
	}

	switch {
	case err != nil:
		s.logger.Warnw("stream status write failed", "op", t.op, "stream_token", t.token, "error", err)
		return
	case missing:
		s.logger.Debugw("no stream record to update", "op", t.op, "stream_token", t.token)
		return
	}

	if s.events == nil {
		return
	}
	if err := s.events.PublishStreamEvent(ctx, eventFor(t)); err != nil {
		s.logger.Warnw("failed to publish stream event", "op", t.op, "stream_token", t.token, "error", err)
	}
}

func (s *StatusSyncer) write(ctx context.Context, t syncTask) error {
	ctx, span := tracing.TraceStoreOperation(ctx, string(t.op), "stream_store")
	defer span.End()
	span.SetAttributes(tracing.StreamTokenKey.String(string(t.token)))

	switch t.op {
	case syncLive:
		return s.repo.MarkLive(ctx, t.token, t.at)
	case syncEnded:
		return s.repo.MarkEnded(ctx, t.token, t.at)
	default:
		return s.repo.UpdateViewerCount(ctx, t.token, t.count)
	}
}

func eventFor(t syncTask) domain.StreamEvent {
	ev := domain.StreamEvent{Token: t.token, At: t.at}
	switch t.op {
	case syncLive:
		ev.Type = domain.StreamEventLive
	case syncEnded:
		ev.Type = domain.StreamEventEnded
	default:
		ev.Type = domain.StreamEventViewers
		ev.ViewerCount = t.count
	}
	return ev
}
