package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c Config) Config
		wantErr bool
	}{
		{"empty bind", func(c Config) Config { c.Bind = ""; return c }, true},
		{"empty data dir", func(c Config) Config { c.DataDir = ""; return c }, true},
		{"bad log level", func(c Config) Config { c.LogLevel = "verbose"; return c }, true},
		{"empty node id", func(c Config) Config { c.CS.NodeID = ""; return c }, true},
		{"valid default", func(c Config) Config { return c }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(Default()).Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pogod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind: 0.0.0.0:9999\nlog_level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Bind)
	assert.Equal(t, "debug", string(cfg.LogLevel))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
