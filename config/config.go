// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the agent driver implementation.
type Backend string

const (
	// BackendSubprocess spawns the agent CLI and parses its line stream.
	BackendSubprocess Backend = "subprocess"
	// BackendClient drives the agent over the duplex control protocol
	// with in-process callback hooks.
	BackendClient Backend = "client"
)

// IsValid returns true if the backend is a known valid backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendSubprocess, BackendClient:
		return true
	default:
		return false
	}
}

const (
	DefaultListenAddr  = ":8080"
	DefaultTaskTimeout = 600 * time.Second
	DefaultHITLTimeout = 300 * time.Second
)

// Config is the server configuration, read from config.yaml.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
	DataDir    string `yaml:"data_dir"`
	WorkDir    string `yaml:"work_dir"`
	DevMode    bool   `yaml:"dev_mode"`

	Backend  Backend `yaml:"backend"`
	AgentBin string  `yaml:"agent_bin"`

	// AutoApprove skips permission prompts for all tasks (YOLO mode).
	// Per-task overrides and the runtime settings store still apply.
	AutoApprove bool `yaml:"auto_approve"`

	TaskTimeoutSec int `yaml:"task_timeout_sec"`
	HITLTimeoutSec int `yaml:"hitl_timeout_sec"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		DataDir:        "data",
		WorkDir:        "/workspace",
		Backend:        BackendSubprocess,
		AgentBin:       "claude",
		TaskTimeoutSec: int(DefaultTaskTimeout / time.Second),
		HITLTimeoutSec: int(DefaultHITLTimeout / time.Second),
	}
}

// Load reads the config file at path if it exists, applies environment
// overrides, and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required (or AUTH_TOKEN env)")
	}
	if !c.Backend.IsValid() {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.TaskTimeoutSec <= 0 {
		return fmt.Errorf("task_timeout_sec must be positive")
	}
	if c.HITLTimeoutSec <= 0 {
		return fmt.Errorf("hitl_timeout_sec must be positive")
	}
	return nil
}

// TaskTimeout returns the overall per-task wall-clock timeout.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

// HITLTimeout returns the per-wait timeout for pending HITL requests.
func (c Config) HITLTimeout() time.Duration {
	return time.Duration(c.HITLTimeoutSec) * time.Second
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("AGENT_BACKEND"); v != "" {
		cfg.Backend = Backend(v)
	}
	if v := os.Getenv("AGENT_BIN"); v != "" {
		cfg.AgentBin = v
	}
	if v := os.Getenv("AUTO_APPROVE"); v != "" {
		cfg.AutoApprove = v == "1" || v == "true"
	}
	if v := os.Getenv("DEV_MODE"); v != "" {
		cfg.DevMode = v == "1" || v == "true"
	}
	if v := os.Getenv("TASK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeoutSec = n
		}
	}
	if v := os.Getenv("HITL_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HITLTimeoutSec = n
		}
	}
}
