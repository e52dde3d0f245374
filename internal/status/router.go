// Package status serves the worker pool's operational endpoints.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerSource reports the live state of the pool
type WorkerSource interface {
	Snapshot() []worker.Stats
}

// RunReader loads one ledger record
type RunReader interface {
	Get(ctx context.Context, runID string) (*domain.JobRun, error)
}

// HealthChecker checks a backing service
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds everything the routes read from
type Dependencies struct {
	Logger   *slog.Logger
	Service  string
	Workers  WorkerSource
	Runs     RunReader
	Database HealthChecker       // nil when the ledger is not postgres
	Gatherer prometheus.Gatherer // nil disables /metrics
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	h := &handler{deps: deps}

	r.GET("/health", h.health)
	r.GET("/workers", h.workers)
	r.GET("/runs/:run_id", h.getRun)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

type handler struct {
	deps *Dependencies
}

// health handles GET /health
func (h *handler) health(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": h.deps.Service,
	}

	if h.deps.Database != nil {
		if err := h.deps.Database.HealthCheck(c.Request.Context()); err != nil {
			h.deps.Logger.Warn("Database health check failed", slog.String("error", err.Error()))
			body["status"] = "unhealthy"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}

	c.JSON(http.StatusOK, body)
}

// workers handles GET /workers
func (h *handler) workers(c *gin.Context) {
	stats := h.deps.Workers.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"workers": stats,
		"count":   len(stats),
	})
}

// getRun handles GET /runs/:run_id
func (h *handler) getRun(c *gin.Context) {
	runID := c.Param("run_id")

	run, err := h.deps.Runs.Get(c.Request.Context(), runID)
	if errors.Is(err, domain.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		h.deps.Logger.Error("Failed to get job run",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job run"})
		return
	}

	c.JSON(http.StatusOK, NewRunDTO(run))
}
