package main

import (
	"database/sql"
	"time"

	"callsync/internal/httpapi"
	"callsync/internal/inbox"
	"callsync/internal/intake"
	"callsync/internal/snapshot"
	"callsync/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, inboxRepo inbox.Repository, store snapshot.Store, db *sql.DB) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: These endpoints should sit behind provider signature
	// validation at the gateway in production.
	h := intake.Handlers{Inbox: inboxRepo}
	wh := r.Group("/webhooks/twilio")
	{
		wh.POST("/voice", h.Voice)
		wh.POST("/recording", h.Recording)
		wh.POST("/transcription", h.Transcription)
	}

	// Read-only state introspection; writes only happen via webhooks
	// and the worker pipeline.
	api := httpapi.Handlers{Store: store}
	calls := r.Group("/calls")
	{
		calls.GET("/:call_sid", api.GetCall)
		calls.GET("/:call_sid/events", api.GetCallEvents)
		calls.GET("/:call_sid/legs", api.GetCallLegs)
	}
}
