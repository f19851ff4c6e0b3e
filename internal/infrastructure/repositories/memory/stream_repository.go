package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/pkg/utils"
)

type MemoryStreamRepository struct {
	streams map[domain.StreamToken]*domain.Stream
	mu      sync.RWMutex
}

// NewMemoryStreamRepository returns an empty store.
func NewMemoryStreamRepository() *MemoryStreamRepository {
	return &MemoryStreamRepository{
		streams: make(map[domain.StreamToken]*domain.Stream),
	}
}

func (r *MemoryStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.Token]; exists {
		return fmt.Errorf("%w: %s", domain.ErrStreamExists, stream.Token)
	}

	s := stream.Clone()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.streams[stream.Token] = s
	return nil
}

func (r *MemoryStreamRepository) GetByToken(ctx context.Context, token domain.StreamToken) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[token]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}

	return stream.Clone(), nil
}

func (r *MemoryStreamRepository) MarkLive(ctx context.Context, token domain.StreamToken, at time.Time) error {
	return r.update(token, func(s *domain.Stream) {
		s.IsLive = true
		s.StartTime = utils.TimePtr(at)
		s.EndTime = nil
	})
}

func (r *MemoryStreamRepository) MarkEnded(ctx context.Context, token domain.StreamToken, at time.Time) error {
	return r.update(token, func(s *domain.Stream) {
		s.IsLive = false
		s.EndTime = utils.TimePtr(at)
		s.ViewerCount = 0
	})
}

func (r *MemoryStreamRepository) UpdateViewerCount(ctx context.Context, token domain.StreamToken, count int) error {
	return r.update(token, func(s *domain.Stream) {
		s.ViewerCount = count
	})
}

func (r *MemoryStreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.Stream
	for _, stream := range r.streams {
		if stream.IsLive {
			live = append(live, stream.Clone())
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Token < live[j].Token })

	return live, nil
}

func (r *MemoryStreamRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryStreamRepository) update(token domain.StreamToken, fn func(s *domain.Stream)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, exists := r.streams[token]
	if !exists {
		return domain.ErrStreamNotFound
	}
	fn(stream)
	return nil
}
