// Package config loads the dispatcher's on-disk YAML configuration, applies
// environment overrides, and validates the result. Invalid configuration
// surfaces as a pogoerr.InvalidSpec error, which cmd/pogod maps to exit
// code 64.
package config

import (
	"os"
	"time"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"gopkg.in/yaml.v3"
)

// Config is the dispatcher process's full configuration.
type Config struct {
	Bind       string    `yaml:"bind"`
	LogLevel   log.Level `yaml:"log_level"`
	Foreground bool      `yaml:"foreground"`
	DataDir    string    `yaml:"data_dir"`

	CS CSConfig `yaml:"coordination_store"`

	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultJobTimeout time.Duration `yaml:"default_job_timeout"`

	WorkerReconnectGrace time.Duration `yaml:"worker_reconnect_grace"`

	// WorkerBind is the TLS listen address the worker pool accepts
	// mutually-authenticated worker connections on.
	WorkerBind string `yaml:"worker_bind"`

	// CertDir holds this dispatcher's node.crt/node.key/ca.crt triple used
	// to authenticate the worker pool's TLS listener.
	CertDir string `yaml:"cert_dir"`
}

// CSConfig configures the Raft-replicated coordination store backend.
type CSConfig struct {
	NodeID    string   `yaml:"node_id"`
	Bind      string   `yaml:"bind"`
	Bootstrap bool     `yaml:"bootstrap"`
	Peers     []string `yaml:"peers"`
}

// Default returns a Config with the defaults a bare `pogod --foreground` run
// should use.
func Default() Config {
	return Config{
		Bind:                 "127.0.0.1:7780",
		LogLevel:             log.LevelInfo,
		Foreground:           true,
		DataDir:              "./data",
		CS:                   CSConfig{NodeID: "dispatcher-1", Bind: "127.0.0.1:7790", Bootstrap: true},
		DefaultTimeout:       300 * time.Second,
		DefaultJobTimeout:    3600 * time.Second,
		WorkerReconnectGrace: 30 * time.Second,
		WorkerBind:           "127.0.0.1:7787",
		CertDir:              "./data/certs/dispatcher",
	}
}

// Load reads a YAML config file at path (if non-empty), overlays environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if env := os.Getenv("POGO_CONFIG"); env != "" {
		path = env
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, pogoerr.Wrap(pogoerr.InvalidSpec, "reading config file "+path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, pogoerr.Wrap(pogoerr.InvalidSpec, "parsing config file "+path, err)
		}
	}

	if lvl := os.Getenv("POGO_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = log.Level(lvl)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config is internally consistent.
func (c Config) Validate() error {
	if c.Bind == "" {
		return pogoerr.Invalid("bind address must not be empty")
	}
	if c.DataDir == "" {
		return pogoerr.Invalid("data_dir must not be empty")
	}
	switch c.LogLevel {
	case log.LevelDebug, log.LevelInfo, log.LevelWarn, log.LevelError:
	default:
		return pogoerr.Invalid("unknown log level %q", c.LogLevel)
	}
	if c.CS.NodeID == "" {
		return pogoerr.Invalid("coordination_store.node_id must not be empty")
	}
	if c.WorkerBind == "" {
		return pogoerr.Invalid("worker_bind must not be empty")
	}
	return nil
}
