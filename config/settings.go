package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
)

// UserSettings represents the user's personal settings
type UserSettings struct {
	OutputLocation string `json:"outputLocation"`
}

// SettingsFilePath returns the path to the settings file
func SettingsFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".xmdecrypt-settings.json"
	}
	return filepath.Join(homeDir, ".xmdecrypt-settings.json")
}

// LoadUserSettings reads the settings file. A missing file yields empty settings.
func LoadUserSettings(path string) (UserSettings, error) {
	var settings UserSettings

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, goerr.Wrap(err, "failed to read settings file", goerr.V("path", path))
	}

	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, goerr.Wrap(err, "failed to parse settings file", goerr.V("path", path))
	}
	return settings, nil
}

// SaveUserSettings writes the settings file.
func SaveUserSettings(path string, settings UserSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal settings")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return goerr.Wrap(err, "failed to write settings file", goerr.V("path", path))
	}
	return nil
}
