package httpapi

import (
	"net/http"

	"callsync/internal/snapshot"
	"callsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups the read-only call endpoints for dependency injection.
// Keep these thin: parse/validate input, call the store, return JSON.
// Writes only ever happen through the inbox and the worker pipeline.

type Handlers struct {
	Store snapshot.Store
}

// GetCall returns the current snapshot for one call sid.
func (h Handlers) GetCall(c *gin.Context) {
	sid := c.Param("call_sid")
	if sid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_sid required"})
		return
	}
	snap, err := h.Store.Get(c.Request.Context(), sid)
	if err != nil {
		logger.FromGin(c).Error("snapshot lookup failed", "call_sid", sid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if snap == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetCallEvents returns the append-only event log for one call sid,
// oldest first.
func (h Handlers) GetCallEvents(c *gin.Context) {
	sid := c.Param("call_sid")
	if sid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_sid required"})
		return
	}
	events, err := h.Store.ListEvents(c.Request.Context(), sid)
	if err != nil {
		logger.FromGin(c).Error("event log lookup failed", "call_sid", sid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_sid": sid, "events": events})
}

// GetCallLegs returns the child legs of a parent call.
func (h Handlers) GetCallLegs(c *gin.Context) {
	sid := c.Param("call_sid")
	if sid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_sid required"})
		return
	}
	legs, err := h.Store.ListChildren(c.Request.Context(), sid)
	if err != nil {
		logger.FromGin(c).Error("leg lookup failed", "call_sid", sid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_sid": sid, "legs": legs})
}
