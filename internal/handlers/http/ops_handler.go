package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/room"
	"relaycast/internal/infrastructure/monitoring"
	apperrors "relaycast/pkg/errors"
	"relaycast/pkg/utils"
	"relaycast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type RoomLister interface {
	List() []room.Info
	Get(token domain.StreamToken) (*room.Room, bool)
}

type WorkerLister interface {
	Snapshot() []string
}

type StreamLookup interface {
	GetByToken(ctx context.Context, token domain.StreamToken) (*domain.Stream, error)
}

type HealthReporter interface {
	Latest(ctx context.Context) monitoring.HealthStatus
}

// OpsHandler serves the read-only operations API.
type OpsHandler struct {
	rooms   RoomLister
	workers WorkerLister
	streams StreamLookup
	health  HealthReporter
	started time.Time
}

func NewOpsHandler(rooms RoomLister, workers WorkerLister, streams StreamLookup, health HealthReporter) *OpsHandler {
	return &OpsHandler{
		rooms:   rooms,
		workers: workers,
		streams: streams,
		health:  health,
		started: utils.Now(),
	}
}

// SetupRoutes mounts /health, /ready and the read-only /api/v1 routes.
func (h *OpsHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:token", h.GetRoom)
		api.GET("/workers", h.ListWorkers)
		api.GET("/streams/:token", h.GetStream)
	}
}

func (h *OpsHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.List()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

// GetRoom answers 404 for rooms that are not open on this instance.
func (h *OpsHandler) GetRoom(c *gin.Context) {
	token := c.Param("token")
	if err := validation.ValidateStreamToken(token); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	r, ok := h.rooms.Get(domain.StreamToken(token))
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("room"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": r.Info()})
}

func (h *OpsHandler) ListWorkers(c *gin.Context) {
	ids := h.workers.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"workers": ids,
		"live":    len(ids),
	})
}

// GetStream returns the derived status record for a token.
func (h *OpsHandler) GetStream(c *gin.Context) {
	token := c.Param("token")
	if err := validation.ValidateStreamToken(token); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	stream, err := h.streams.GetByToken(c.Request.Context(), domain.StreamToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrStreamNotFound) {
			_ = c.Error(apperrors.NewNotFoundError("stream"))
			return
		}
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "stream store unavailable", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

// Health is liveness: the process answers.
func (h *OpsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": utils.FormatDuration(utils.Since(h.started)),
		"rooms":  len(h.rooms.List()),
	})
}

// Ready reports the cached health checks; 503 until all pass.
func (h *OpsHandler) Ready(c *gin.Context) {
	status := h.health.Latest(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
