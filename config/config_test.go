package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("expected listen addr %q, got %q", DefaultListenAddr, cfg.ListenAddr)
	}
	if cfg.Backend != BackendSubprocess {
		t.Errorf("expected subprocess backend, got %q", cfg.Backend)
	}
	if cfg.TaskTimeout() != DefaultTaskTimeout {
		t.Errorf("expected task timeout %s, got %s", DefaultTaskTimeout, cfg.TaskTimeout())
	}
	if cfg.HITLTimeout() != DefaultHITLTimeout {
		t.Errorf("expected hitl timeout %s, got %s", DefaultHITLTimeout, cfg.HITLTimeout())
	}
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9090"
auth_token: "file-token"
backend: "client"
work_dir: "/srv/projects"
auto_approve: true
task_timeout_sec: 120
hitl_timeout_sec: 60
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected listen addr :9090, got %q", cfg.ListenAddr)
	}
	if cfg.AuthToken != "file-token" {
		t.Errorf("expected auth token from file, got %q", cfg.AuthToken)
	}
	if cfg.Backend != BackendClient {
		t.Errorf("expected client backend, got %q", cfg.Backend)
	}
	if cfg.WorkDir != "/srv/projects" {
		t.Errorf("expected work dir /srv/projects, got %q", cfg.WorkDir)
	}
	if !cfg.AutoApprove {
		t.Error("expected auto approve on")
	}
	if cfg.TaskTimeout() != 120*time.Second {
		t.Errorf("expected task timeout 120s, got %s", cfg.TaskTimeout())
	}
	if cfg.HITLTimeout() != 60*time.Second {
		t.Errorf("expected hitl timeout 60s, got %s", cfg.HITLTimeout())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9090\"\nauth_token: \"file-token\"\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	t.Setenv("AUTH_TOKEN", "env-token")
	t.Setenv("PORT", "7070")
	t.Setenv("AGENT_BACKEND", "client")
	t.Setenv("TASK_TIMEOUT_SEC", "90")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.AuthToken != "env-token" {
		t.Errorf("expected env token to win, got %q", cfg.AuthToken)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("expected PORT override :7070, got %q", cfg.ListenAddr)
	}
	if cfg.Backend != BackendClient {
		t.Errorf("expected client backend, got %q", cfg.Backend)
	}
	if cfg.TaskTimeoutSec != 90 {
		t.Errorf("expected task timeout 90, got %d", cfg.TaskTimeoutSec)
	}
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [not scalar"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.AuthToken = "secret"

	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults with token", func(c *Config) {}, true},
		{"missing token", func(c *Config) { c.AuthToken = "" }, false},
		{"unknown backend", func(c *Config) { c.Backend = "telnet" }, false},
		{"zero task timeout", func(c *Config) { c.TaskTimeoutSec = 0 }, false},
		{"negative hitl timeout", func(c *Config) { c.HITLTimeoutSec = -1 }, false},
	}

	for _, tt := range tests {
		cfg := valid
		tt.mutate(&cfg)
		err := cfg.Validate()
		if (err == nil) != tt.valid {
			t.Errorf("%s: Validate() = %v, want valid=%v", tt.name, err, tt.valid)
		}
	}
}

func TestBackend_IsValid(t *testing.T) {
	tests := []struct {
		backend Backend
		valid   bool
	}{
		{BackendSubprocess, true},
		{BackendClient, true},
		{"", false},
		{"remote", false},
	}

	for _, tt := range tests {
		if got := tt.backend.IsValid(); got != tt.valid {
			t.Errorf("Backend(%q).IsValid() = %v, want %v", tt.backend, got, tt.valid)
		}
	}
}
