package ports

import (
	"context"
	"time"

	"relaycast/internal/core/domain"
)

// StreamRepository stores stream records. Unknown tokens yield
// domain.ErrStreamNotFound from every method that takes one.
type StreamRepository interface {
	GetByToken(ctx context.Context, token domain.StreamToken) (*domain.Stream, error)
	Create(ctx context.Context, stream *domain.Stream) error
	// MarkLive sets is_live and start_time and clears end_time.
	MarkLive(ctx context.Context, token domain.StreamToken, at time.Time) error
	// MarkEnded clears is_live, sets end_time and zeroes the viewer count.
	MarkEnded(ctx context.Context, token domain.StreamToken, at time.Time) error
	UpdateViewerCount(ctx context.Context, token domain.StreamToken, count int) error
	ListLive(ctx context.Context) ([]*domain.Stream, error)
	Ping(ctx context.Context) error
}

// StreamEventPublisher fans derived status changes out to other services.
type StreamEventPublisher interface {
	PublishStreamEvent(ctx context.Context, event domain.StreamEvent) error
}
