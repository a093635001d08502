package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Capture.PerSecond != 2 {
		t.Errorf("capture quota = %d, want 2", cfg.Capture.PerSecond)
	}
}

func TestLoad_NoSources(t *testing.T) {
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Kind != BackendMemory {
		t.Errorf("Backend.Kind = %q", cfg.Backend.Kind)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "ctxbus.toml", `
namespace = "ext-a"
log_level = "debug"

[backend]
kind = "nats"
nats_url = "nats://localhost:4222"

[session]
heartbeat = "2s"
timeout = "6s"
listen = "127.0.0.1:7801"

[telemetry]
enabled = true
sample_ratio = 0.25
`)

	cfg, err := Load(Options{File: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "ext-a" || cfg.LogLevel != "debug" {
		t.Errorf("top level = %q %q", cfg.Namespace, cfg.LogLevel)
	}
	if cfg.Backend.Kind != BackendNATS || cfg.Backend.Bucket != "ctxbus-state" {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Session.Heartbeat != 2*time.Second || cfg.Session.Timeout != 6*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.SampleRatio != 0.25 {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeFile(t, "ctxbus.toml", "namespcae = \"typo\"\n")
	if _, err := Load(Options{File: path}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.toml")}); err == nil {
		t.Error("missing config file should fail")
	}
	if _, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "nope.env")}); err != nil {
		t.Errorf("missing env file should be skipped: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "ctxbus.toml", "log_level = \"warn\"\n")
	t.Setenv("CTXBUS_LOG_LEVEL", "error")
	t.Setenv("CTXBUS_CAPTURE_PER_SECOND", "1")
	t.Setenv("CTXBUS_BUS_REQUEST_TIMEOUT", "750ms")

	cfg, err := Load(Options{File: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, env should win over the file", cfg.LogLevel)
	}
	if cfg.Capture.PerSecond != 1 {
		t.Errorf("Capture.PerSecond = %d", cfg.Capture.PerSecond)
	}
	if cfg.Bus.RequestTimeout != 750*time.Millisecond {
		t.Errorf("RequestTimeout = %v", cfg.Bus.RequestTimeout)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "CTXBUS_NAMESPACE=from-dotenv\n")
	t.Setenv("CTXBUS_NAMESPACE", "")
	os.Unsetenv("CTXBUS_NAMESPACE")
	t.Cleanup(func() { os.Unsetenv("CTXBUS_NAMESPACE") })

	cfg, err := Load(Options{EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "from-dotenv" {
		t.Errorf("Namespace = %q", cfg.Namespace)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"namespace", func(c *Config) { c.Namespace = "a b" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"backend kind", func(c *Config) { c.Backend.Kind = "redis" }},
		{"nats url", func(c *Config) { c.Backend.Kind = BackendNATS }},
		{"request timeout", func(c *Config) { c.Bus.RequestTimeout = 0 }},
		{"session timeout", func(c *Config) { c.Session.Timeout = c.Session.Heartbeat }},
		{"capture", func(c *Config) { c.Capture.PerSecond = 0 }},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }},
		{"protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }},
		{"events endpoint", func(c *Config) { c.Telemetry.Events = "file" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
