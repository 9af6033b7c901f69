package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/goerr/v2"

	"xmdecrypt/config"
	"xmdecrypt/services"
	"xmdecrypt/types"
	"xmdecrypt/websocket"
)

// DecryptHandler handles batch submission, cancellation and progress streaming
type DecryptHandler struct {
	dispatcher  services.Dispatcher
	hub         websocket.Hub
	fileService services.FileService
	store       *config.Store
	logger      *slog.Logger
}

// NewDecryptHandler creates a new decrypt handler
func NewDecryptHandler(d services.Dispatcher, hub websocket.Hub, fs services.FileService, store *config.Store, logger *slog.Logger) *DecryptHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecryptHandler{
		dispatcher:  d,
		hub:         hub,
		fileService: fs,
		store:       store,
		logger:      logger,
	}
}

// SubmitBatch queues the posted .xm files as one batch
func (h *DecryptHandler) SubmitBatch(c *gin.Context) {
	var req types.DecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}
	if len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "at least one file is required",
		})
		return
	}

	outputDir := strings.TrimSpace(req.OutputDir)
	if outputDir == "" {
		outputDir = h.store.OutputRoot()
	}

	jobs := make([]types.DecryptionJob, 0, len(req.Files))
	for _, file := range req.Files {
		if err := validateInput(file); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid input file",
				"file":    file,
				"details": err.Error(),
			})
			return
		}
		jobs = append(jobs, types.NewDecryptionJob(file, outputDir))
	}

	batchID, err := h.dispatcher.Submit(jobs)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, services.ErrBatchInProgress):
			status = http.StatusConflict
		case errors.Is(err, services.ErrNotRunning):
			status = http.StatusServiceUnavailable
		case errors.Is(err, services.ErrEmptyBatch):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":   "failed to queue batch",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batchId":   batchID,
		"total":     len(jobs),
		"outputDir": outputDir,
	})
}

// CancelBatch tears the dispatcher down, dropping queued jobs, and starts it again
func (h *DecryptHandler) CancelBatch(c *gin.Context) {
	if err := h.dispatcher.Teardown(); err != nil {
		h.logger.Warn("teardown reported an error", slog.Any("error", err))
	}
	if err := h.dispatcher.Start(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "failed to restart decryption engine",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "decryption cancelled",
		"status":  h.dispatcher.Status(),
	})
}

// ScanFolder lists .xm files in a folder and its immediate sub-folders
func (h *DecryptHandler) ScanFolder(c *gin.Context) {
	var req types.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Folder) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "folder is required",
		})
		return
	}

	files, err := h.fileService.ScanContainerFiles(req.Folder)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "failed to scan folder",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"files": files,
		"count": len(files),
	})
}

// HandleWebSocketConnection streams the events of one batch
func (h *DecryptHandler) HandleWebSocketConnection(c *gin.Context) {
	batchID := c.Param("batchId")
	if batchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch ID is required"})
		return
	}
	h.serveWebSocket(c, batchID)
}

// HandleWebSocketAllConnection streams the events of every batch
func (h *DecryptHandler) HandleWebSocketAllConnection(c *gin.Context) {
	h.serveWebSocket(c, websocket.AllBatches)
}

func (h *DecryptHandler) serveWebSocket(c *gin.Context, batchID string) {
	conn, err := websocket.Upgrade(c.Writer, c.Request)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := websocket.NewClient(h.hub, conn, batchID, h.logger)
	h.hub.RegisterClient(client)
	client.StartPumps()
}

func validateInput(path string) error {
	if strings.TrimSpace(path) == "" {
		return goerr.New("empty path")
	}
	if !strings.EqualFold(filepath.Ext(path), services.ContainerExt) {
		return goerr.New("not an .xm file", goerr.V("path", path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return goerr.New("path is a directory", goerr.V("path", path))
	}
	return nil
}
