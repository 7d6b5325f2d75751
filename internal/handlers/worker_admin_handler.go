package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"icfesprep/internal/config"
	"icfesprep/internal/middleware"
	"icfesprep/internal/observability"
	contextutils "icfesprep/internal/utils"
	"icfesprep/internal/version"
	"icfesprep/internal/worker"
)

// ReaperController is the part of worker.SessionReaper the admin API drives
type ReaperController interface {
	GetInstance() string
	GetStatus() worker.Status
	GetHistory() []worker.RunRecord
	GetActivityLogs() []worker.ActivityLog
	TriggerManualRun() bool
	Pause(ctx context.Context)
	Resume(ctx context.Context)
}

// WorkerAdminHandler exposes reaper status and controls
type WorkerAdminHandler struct {
	reaper ReaperController
	logger *observability.Logger
}

// NewWorkerAdminHandler creates a new WorkerAdminHandler instance
func NewWorkerAdminHandler(reaper ReaperController, logger *observability.Logger) *WorkerAdminHandler {
	return &WorkerAdminHandler{reaper: reaper, logger: logger}
}

// GetReaperStatus returns current status plus run history and recent activity
func (h *WorkerAdminHandler) GetReaperStatus(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_reaper_status")
	defer span.End()
	if h.reaper == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instance": h.reaper.GetInstance(),
		"status":   h.reaper.GetStatus(),
		"history":  h.reaper.GetHistory(),
		"logs":     h.reaper.GetActivityLogs(),
	})
}

// TriggerReaperRun triggers a manual reaper run
func (h *WorkerAdminHandler) TriggerReaperRun(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "trigger_reaper_run")
	defer span.End()
	if h.reaper == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}

	if h.reaper.TriggerManualRun() {
		c.JSON(http.StatusAccepted, gin.H{"message": "Reaper run triggered"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Reaper run already pending"})
}

// PauseReaper stops scheduled reaper runs
func (h *WorkerAdminHandler) PauseReaper(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "pause_reaper")
	defer span.End()
	if h.reaper == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}

	h.reaper.Pause(ctx)
	c.JSON(http.StatusOK, gin.H{"message": "Reaper paused"})
}

// ResumeReaper re-enables scheduled reaper runs
func (h *WorkerAdminHandler) ResumeReaper(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "resume_reaper")
	defer span.End()
	if h.reaper == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}

	h.reaper.Resume(ctx)
	c.JSON(http.StatusOK, gin.H{"message": "Reaper resumed"})
}

// NewWorkerRouter builds the worker's status API
func NewWorkerRouter(cfg *config.Config, reaper ReaperController, logger *observability.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.ErrorRecoveryMiddleware(logger, middleware.ErrorRecoveryConfigFromServer(cfg.Server)))
	router.Use(RequestLoggingMiddleware(logger))
	router.Use(observability.GinMiddlewareWithErrorHandling("icfes-worker")...)

	adminHandler := NewWorkerAdminHandler(reaper, logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "worker"})
	})

	v1 := router.Group("/v1")
	{
		v1.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, version.Get("worker"))
		})

		reaperGroup := v1.Group("/reaper")
		reaperGroup.Use(middleware.RequireServiceToken(cfg.Server.APITokenHashes))
		{
			reaperGroup.GET("/status", adminHandler.GetReaperStatus)
			reaperGroup.POST("/trigger", adminHandler.TriggerReaperRun)
			reaperGroup.POST("/pause", adminHandler.PauseReaper)
			reaperGroup.POST("/resume", adminHandler.ResumeReaper)
		}
	}

	routeListing := NewRouteListingHandler("Worker")
	routeListing.CollectRoutes(router)
	router.GET("/", routeListing.GetRouteListingJSON)

	return router
}
