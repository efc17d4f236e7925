// Package api exposes the engine's command surface over HTTP. Every command
// returns an {ok, value} / {ok:false, error:{kind, message}} envelope; live
// channels are served over WebSocket through the stream hub.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/osintops/dragnet/internal/engine"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/streamhub"
)

// Server bundles the handlers' dependencies.
type Server struct {
	engine *engine.Engine
	hub    *streamhub.Hub
	log    *logger.Logger
}

// NewRouter builds the gin router with all routes mounted.
func NewRouter(e *engine.Engine, hub *streamhub.Hub, log *logger.Logger, allowedOrigins string) *gin.Engine {
	s := &Server{engine: e, hub: hub, log: log.WithComponent("api")}

	router := gin.Default()
	router.Use(corsMiddleware(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.status)

		accounts := api.Group("/accounts")
		{
			accounts.POST("", s.createAccount)
			accounts.GET("", s.listAccounts)
			accounts.GET("/with_dialogs", s.listAccountsWithDialogs)
			accounts.DELETE("/:id", s.deleteAccount)
			accounts.POST("/:id/connect", s.connectAccount)
			accounts.POST("/:id/code", s.submitCode)
			accounts.POST("/:id/password", s.submitPassword)
			accounts.POST("/:id/disconnect", s.disconnectAccount)
			accounts.GET("/:id/dialogs/available", s.availableDialogs)
			accounts.POST("/:id/dialogs", s.addDialogs)
		}

		dialogs := api.Group("/dialogs")
		{
			dialogs.GET("", s.listDialogs)
			dialogs.GET("/:id", s.getDialog)
			dialogs.POST("/:id/assign", s.assignDialog)
			dialogs.POST("/:id/reassign", s.reassignDialog)
			dialogs.POST("/:id/unassign", s.unassignDialog)
			dialogs.POST("/:id/pause", s.pauseDialog)
			dialogs.POST("/:id/resume", s.resumeDialog)
			dialogs.PUT("/:id/options", s.setDialogOptions)
			dialogs.POST("/:id/toggle_monitoring", s.toggleMonitoring)
			dialogs.POST("/:id/backfill/start", s.startBackfill)
			dialogs.POST("/:id/backfill/stop", s.stopBackfill)
			dialogs.GET("/:id/backfill", s.backfillStatus)
		}

		invites := api.Group("/invites")
		{
			invites.POST("", s.submitInvite)
			invites.GET("", s.listInvites)
			invites.POST("/:id/resolve", s.resolveInvite)
			invites.POST("/:id/join", s.joinInvite)
			invites.DELETE("/:id", s.deleteInvite)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("", s.jobStatuses)
			jobs.POST("/:name/run", s.runJob)
		}

		detectors := api.Group("/detectors")
		{
			detectors.GET("", s.listDetectors)
			detectors.POST("", s.addDetector)
			detectors.POST("/:id/activate", s.setDetectorActive)
		}

		users := api.Group("/users")
		{
			users.GET("", s.listUsers)
			users.GET("/:id/identity_changes", s.identityChanges)
		}

		api.GET("/search", s.search)
		api.GET("/settings/autojoin", s.autojoinConfig)
		api.PUT("/settings/autojoin", s.setAutojoinConfig)
		api.POST("/media/retries/reset", s.resetMediaRetries)
		api.GET("/stream", s.stream)
	}

	return router
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	origins := strings.Split(allowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	})
	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

func respond(c *gin.Context, v any) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "value": v})
}

func respondErr(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	body := gin.H{
		"kind":    string(kind),
		"message": err.Error(),
	}
	if wait, ok := faults.RetryAfter(err); ok {
		body["retry_after_seconds"] = int64(wait.Round(time.Second).Seconds())
	}
	c.JSON(httpStatus(kind), gin.H{"ok": false, "error": body})
}

func httpStatus(kind faults.Kind) int {
	switch kind {
	case faults.KindValidationFailed:
		return http.StatusBadRequest
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindPermissionDenied:
		return http.StatusForbidden
	case faults.KindAuthRequired, faults.KindInvalid2FA:
		return http.StatusUnauthorized
	case faults.KindRateLimited:
		return http.StatusTooManyRequests
	case faults.KindSessionBanned:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
