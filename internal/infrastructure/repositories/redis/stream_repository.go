package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"relaycast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyPrefix = "relaycast:stream:"
	liveStreamsKey  = "relaycast:streams:live"
)

// Hash fields of a stream record.
const (
	fieldOwner       = "owner"
	fieldIsLive      = "is_live"
	fieldStartTime   = "start_time"
	fieldEndTime     = "end_time"
	fieldViewerCount = "viewer_count"
	fieldCreatedAt   = "created_at"
)

// RedisStreamRepository keeps each stream record in a hash and the tokens
// of live streams in a set.
type RedisStreamRepository struct {
	client *redis.Client
}

// NewRedisStreamRepository stores each record as a hash keyed by token.
func NewRedisStreamRepository(client *redis.Client) *RedisStreamRepository {
	return &RedisStreamRepository{client: client}
}

func streamKey(token domain.StreamToken) string {
	return streamKeyPrefix + string(token)
}

func (r *RedisStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	key := streamKey(stream.Token)

	// owner is written first and only once; it doubles as the existence marker
	ok, err := r.client.HSetNX(ctx, key, fieldOwner, stream.Owner).Result()
	if err != nil {
		return fmt.Errorf("failed to create stream in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStreamExists, stream.Token)
	}

	s := stream.Clone()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if err := r.client.HSet(ctx, key, streamToHash(s)).Err(); err != nil {
		return fmt.Errorf("failed to store stream fields: %w", err)
	}
	if s.IsLive {
		if err := r.client.SAdd(ctx, liveStreamsKey, string(s.Token)).Err(); err != nil {
			return fmt.Errorf("failed to add stream to live set: %w", err)
		}
	}
	return nil
}

func (r *RedisStreamRepository) GetByToken(ctx context.Context, token domain.StreamToken) (*domain.Stream, error) {
	fields, err := r.client.HGetAll(ctx, streamKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrStreamNotFound
	}
	return streamFromHash(token, fields)
}

func (r *RedisStreamRepository) MarkLive(ctx context.Context, token domain.StreamToken, at time.Time) error {
	if err := r.mustExist(ctx, token); err != nil {
		return err
	}
	key := streamKey(token)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldIsLive, "1", fieldStartTime, formatTime(at))
		pipe.HDel(ctx, key, fieldEndTime)
		pipe.SAdd(ctx, liveStreamsKey, string(token))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark stream live: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) MarkEnded(ctx context.Context, token domain.StreamToken, at time.Time) error {
	if err := r.mustExist(ctx, token); err != nil {
		return err
	}
	key := streamKey(token)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldIsLive, "0", fieldEndTime, formatTime(at), fieldViewerCount, 0)
		pipe.SRem(ctx, liveStreamsKey, string(token))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark stream ended: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) UpdateViewerCount(ctx context.Context, token domain.StreamToken, count int) error {
	if err := r.mustExist(ctx, token); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, streamKey(token), fieldViewerCount, count).Err(); err != nil {
		return fmt.Errorf("failed to update viewer count: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	tokens, err := r.client.SMembers(ctx, liveStreamsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get live streams from Redis: %w", err)
	}

	var streams []*domain.Stream
	for _, tok := range tokens {
		stream, err := r.GetByToken(ctx, domain.StreamToken(tok))
		if err != nil {
			// Skip streams that no longer exist
			continue
		}
		if stream.IsLive {
			streams = append(streams, stream)
		}
	}
	return streams, nil
}

func (r *RedisStreamRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStreamRepository) mustExist(ctx context.Context, token domain.StreamToken) error {
	n, err := r.client.Exists(ctx, streamKey(token)).Result()
	if err != nil {
		return fmt.Errorf("failed to check stream in Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrStreamNotFound
	}
	return nil
}

func streamToHash(s *domain.Stream) map[string]interface{} {
	live := "0"
	if s.IsLive {
		live = "1"
	}
	h := map[string]interface{}{
		fieldOwner:       s.Owner,
		fieldIsLive:      live,
		fieldViewerCount: s.ViewerCount,
		fieldCreatedAt:   formatTime(s.CreatedAt),
	}
	if s.StartTime != nil {
		h[fieldStartTime] = formatTime(*s.StartTime)
	}
	if s.EndTime != nil {
		h[fieldEndTime] = formatTime(*s.EndTime)
	}
	return h
}

func streamFromHash(token domain.StreamToken, h map[string]string) (*domain.Stream, error) {
	s := &domain.Stream{
		Token:  token,
		Owner:  h[fieldOwner],
		IsLive: h[fieldIsLive] == "1",
	}

	if v := h[fieldViewerCount]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("stream %s: bad %s %q: %w", token, fieldViewerCount, v, err)
		}
		s.ViewerCount = n
	}

	var err error
	if s.StartTime, err = parseOptionalTime(h[fieldStartTime]); err != nil {
		return nil, fmt.Errorf("stream %s: bad %s: %w", token, fieldStartTime, err)
	}
	if s.EndTime, err = parseOptionalTime(h[fieldEndTime]); err != nil {
		return nil, fmt.Errorf("stream %s: bad %s: %w", token, fieldEndTime, err)
	}
	created, err := parseOptionalTime(h[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("stream %s: bad %s: %w", token, fieldCreatedAt, err)
	}
	if created != nil {
		s.CreatedAt = *created
	}
	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
