package config_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmdecrypt/config"
)

func TestLogger_Configure(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{name: "Valid level: debug", level: "debug"},
		{name: "Valid level: DEBUG (case insensitive)", level: "DEBUG"},
		{name: "Valid level: info", level: "info"},
		{name: "Valid level: warn", level: "warn"},
		{name: "Valid level: error", level: "error"},
		{name: "Empty level defaults to info", level: ""},
		{name: "Invalid level: invalid", level: "invalid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Logger{Level: tt.level}
			logger, err := cfg.Configure()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_ConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logger{Level: "warn", JSON: true, Output: &buf}

	logger, err := cfg.Configure()
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "file", "a.xm")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "a.xm", entry["file"])
}
