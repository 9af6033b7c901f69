package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"xmdecrypt/config"
	"xmdecrypt/services"
	"xmdecrypt/types"
)

// Version is reported by the health endpoint.
var Version = "dev"

// HealthHandler handles health check endpoints
type HealthHandler struct {
	dispatcher services.Dispatcher
	store      *config.Store
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(d services.Dispatcher, store *config.Store) *HealthHandler {
	return &HealthHandler{dispatcher: d, store: store}
}

// HealthCheck returns the health status of the service
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "xmdecrypt",
		"version":   Version,
		"timestamp": time.Now().Unix(),
	})
}

// APIStatus returns the dispatcher state and the current batch
func (h *HealthHandler) APIStatus(c *gin.Context) {
	status := h.dispatcher.Status()
	c.JSON(http.StatusOK, gin.H{
		"message":      "xmdecrypt API is running",
		"dispatcher":   status,
		"stage2Loaded": status.State == types.DispatcherRunning,
		"outputRoot":   h.store.OutputRoot(),
	})
}
