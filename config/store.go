package config

import (
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

// Store holds the output root shared by the HTTP handlers. Updates are
// persisted to the user settings file.
type Store struct {
	mu           sync.RWMutex
	outputRoot   string
	settingsFile string
}

// NewStore creates a Store seeded from cfg. An empty settingsFile disables
// persistence.
func NewStore(cfg *Config, settingsFile string) *Store {
	return &Store{outputRoot: cfg.OutputRoot, settingsFile: settingsFile}
}

// OutputRoot returns the current output root.
func (s *Store) OutputRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputRoot
}

// SetOutputRoot changes the output root and saves it to the settings file.
func (s *Store) SetOutputRoot(path string) error {
	if path == "" {
		return goerr.New("output location must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settingsFile != "" {
		if err := SaveUserSettings(s.settingsFile, UserSettings{OutputLocation: path}); err != nil {
			return err
		}
	}
	s.outputRoot = path
	return nil
}
