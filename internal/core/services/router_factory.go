package services

import (
	"context"
	"fmt"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

// RouterFactory creates per-room routers with the configured codec set.
type RouterFactory struct {
	codecs []ports.RTPCodecCapability
	logger *zap.SugaredLogger
}

func NewRouterFactory(codecs []ports.RTPCodecCapability, logger *zap.SugaredLogger) *RouterFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RouterFactory{codecs: codecs, logger: logger}
}

// CreateRouter opens a router with the configured codecs on worker.
func (f *RouterFactory) CreateRouter(ctx context.Context, worker ports.Worker) (ports.Router, error) {
	if !worker.Alive() {
		return nil, fmt.Errorf("worker %s: %w", worker.ID(), domain.ErrWorkerClosed)
	}
	r, err := worker.CreateRouter(ctx, f.codecs)
	if err != nil {
		return nil, err
	}
	f.logger.Debugw("router created", "worker_id", worker.ID(), "router_id", r.ID(), "codecs", len(f.codecs))
	return r, nil
}

// Codecs returns the configured codec capabilities.
func (f *RouterFactory) Codecs() []ports.RTPCodecCapability {
	out := make([]ports.RTPCodecCapability, len(f.codecs))
	copy(out, f.codecs)
	return out
}
