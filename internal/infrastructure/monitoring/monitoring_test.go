package monitoring

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaycast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type domainRepoStub struct{}

func (domainRepoStub) GetByToken(ctx context.Context, token domain.StreamToken) (*domain.Stream, error) {
	return nil, domain.ErrStreamNotFound
}
func (domainRepoStub) Create(ctx context.Context, stream *domain.Stream) error { return nil }
func (domainRepoStub) MarkLive(ctx context.Context, token domain.StreamToken, at time.Time) error {
	return nil
}
func (domainRepoStub) MarkEnded(ctx context.Context, token domain.StreamToken, at time.Time) error {
	return nil
}
func (domainRepoStub) UpdateViewerCount(ctx context.Context, token domain.StreamToken, count int) error {
	return nil
}
func (domainRepoStub) ListLive(ctx context.Context) ([]*domain.Stream, error) { return nil, nil }

type pingRepo struct {
	domainRepoStub
	err error
}

func (p pingRepo) Ping(ctx context.Context) error { return p.err }

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	live := 1
	h.AddStreamStoreCheck(pingRepo{}, time.Minute, time.Second)
	h.AddWorkerCheck(func() int { return live }, time.Minute, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["stream_store"])
	assert.Equal(t, "healthy", status.Checks["media_workers"])
	assert.True(t, h.IsReady(context.Background()))

	live = 0
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "no live media workers", status.Checks["media_workers"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_StoreFailure(t *testing.T) {
	h := NewHealthChecker()
	h.AddStreamStoreCheck(pingRepo{err: errors.New("dial tcp: refused")}, time.Minute, time.Second)

	status := h.Latest(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["stream_store"], "refused")
}

func TestHealthChecker_TimeoutApplies(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, time.Minute, 20*time.Millisecond)

	start := time.Now()
	status := h.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "unhealthy", status.Status)
}

func TestHealthChecker_BackgroundRefresh(t *testing.T) {
	h := NewHealthChecker()
	calls := make(chan struct{}, 16)
	h.AddCheck("tick", func(ctx context.Context) (bool, error) {
		calls <- struct{}{}
		return true, nil
	}, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return len(calls) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "healthy", h.Latest(context.Background()).Status)
}

func TestPrometheusCollector(t *testing.T) {
	p := NewPrometheusCollector()

	p.RoomsChanged(3)
	p.RecordPeerConnected(domain.RolePublisher)
	p.RecordPeerConnected(domain.RoleViewer)
	p.RecordPeerConnected(domain.RoleViewer)
	p.RecordPeerDisconnected(domain.RoleViewer)
	p.RecordMessage("produce", "ok", 2*time.Millisecond)
	p.RecordRefused("not_owner")
	p.WorkersChanged(4)
	p.WorkerDied("w1")
	p.SyncDropped("viewer_count")
	p.SyncCompleted("mark_live", nil)
	p.SyncCompleted("mark_live", errors.New("boom"))

	assert.Equal(t, float64(3), testutil.ToFloat64(p.roomsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.peersConnected.WithLabelValues("viewer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.messagesTotal.WithLabelValues("produce", "ok")))
	assert.Equal(t, float64(4), testutil.ToFloat64(p.workersLive))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.syncWritesTotal.WithLabelValues("mark_live", "error")))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "relaycast_rooms_active 3"))
	assert.True(t, strings.Contains(body, `relaycast_connections_refused_total{reason="not_owner"} 1`))

	// independent registries
	assert.NotPanics(t, func() { NewPrometheusCollector() })
}
