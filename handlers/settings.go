package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/goerr/v2"

	"xmdecrypt/config"
)

// SettingsHandler handles settings-related endpoints
type SettingsHandler struct {
	store *config.Store
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(store *config.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// validatePath checks that the path is a directory we can write to, creating it if needed
func validatePath(path string) error {
	if path == "" {
		return goerr.New("output location is required")
	}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return goerr.Wrap(err, "failed to create directory", goerr.V("path", path))
		}
	case err != nil:
		return goerr.Wrap(err, "failed to stat path", goerr.V("path", path))
	case !info.IsDir():
		return goerr.New("path is not a directory", goerr.V("path", path))
	}

	testFile := filepath.Join(path, ".xmdecrypt-write-test")
	file, err := os.Create(testFile)
	if err != nil {
		return goerr.Wrap(err, "directory is not writable", goerr.V("path", path))
	}
	file.Close()
	os.Remove(testFile)

	return nil
}

// GetSettings returns the current settings
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, config.UserSettings{
		OutputLocation: h.store.OutputRoot(),
	})
}

// UpdateSettings updates the user settings
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var newSettings config.UserSettings
	if err := c.ShouldBindJSON(&newSettings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid settings format",
			"details": err.Error(),
		})
		return
	}

	if err := validatePath(newSettings.OutputLocation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid output location",
			"details": err.Error(),
		})
		return
	}

	if err := h.store.SetOutputRoot(newSettings.OutputLocation); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to save settings",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Settings updated successfully",
		"settings": newSettings,
	})
}
