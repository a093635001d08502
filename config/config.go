// Package config loads the settings of an extension process from a TOML
// file, an optional .env file and CTXBUS_* environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/ctxbus/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CTXBUS_"

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the configuration of one extension process.
type Config struct {
	// Namespace prefixes bus subjects so extensions can share a server.
	Namespace string `toml:"namespace" env:"NAMESPACE"`

	// LogLevel until settings say otherwise.
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`

	Backend   BackendConfig   `toml:"backend" envPrefix:"BACKEND_"`
	Bus       BusConfig       `toml:"bus" envPrefix:"BUS_"`
	Session   SessionConfig   `toml:"session" envPrefix:"SESSION_"`
	Capture   CaptureConfig   `toml:"capture" envPrefix:"CAPTURE_"`
	Telemetry TelemetryConfig `toml:"telemetry" envPrefix:"TELEMETRY_"`
}

// BackendConfig selects the delivery primitive and shared store.
type BackendConfig struct {
	// Kind is "memory" (one process) or "nats".
	Kind string `toml:"kind" env:"KIND"`

	// NATSURL is the server for bus and state.
	NATSURL string `toml:"nats_url" env:"NATS_URL"`

	// Bucket is the JetStream key-value bucket for presence and settings.
	Bucket string `toml:"bucket" env:"BUCKET"`
}

// BusConfig tunes the bus facade.
type BusConfig struct {
	RequestTimeout time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// SessionConfig tunes the panel session.
type SessionConfig struct {
	// Heartbeat is the panel's beat interval.
	Heartbeat time.Duration `toml:"heartbeat" env:"HEARTBEAT"`

	// Timeout expires a silent session. Keep it at 2-3x Heartbeat.
	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`

	// Listen serves the session port over WebSocket when set,
	// e.g. "127.0.0.1:7801". Empty uses an in-memory pipe.
	Listen string `toml:"listen" env:"LISTEN"`
}

// CaptureConfig sets the capture quota.
type CaptureConfig struct {
	PerSecond int `toml:"per_second" env:"PER_SECOND"`
}

// TelemetryConfig configures tracing and the event timeline.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled" env:"ENABLED"`
	Protocol    string  `toml:"protocol" env:"PROTOCOL"`
	Endpoint    string  `toml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `toml:"insecure" env:"INSECURE"`
	ServiceName string  `toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `toml:"sample_ratio" env:"SAMPLE_RATIO"`

	// Events is where the flat event timeline goes: noop, file or http.
	Events         string `toml:"events" env:"EVENTS"`
	EventsEndpoint string `toml:"events_endpoint" env:"EVENTS_ENDPOINT"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Namespace: "ctxbus",
		LogLevel:  "info",
		Backend: BackendConfig{
			Kind:   BackendMemory,
			Bucket: "ctxbus-state",
		},
		Bus: BusConfig{RequestTimeout: 30 * time.Second},
		Session: SessionConfig{
			Heartbeat: 5 * time.Second,
			Timeout:   15 * time.Second,
		},
		Capture: CaptureConfig{PerSecond: 2},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "ctxbus",
			SampleRatio: 1,
			Events:      "noop",
		},
	}
}

// Options says where Load looks.
type Options struct {
	// File is a TOML file. Empty skips it; a missing file is an error.
	File string

	// EnvFile is a dotenv file. A missing file is skipped.
	EnvFile string
}

// Load builds the configuration: defaults, then the TOML file, then the
// dotenv file, then the process environment.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		md, err := toml.DecodeFile(opts.File, &cfg)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, opts.File, strings.Join(keys, ", "))
		}
	}

	if opts.EnvFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: env.ToMap(os.Environ()),
	}); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Namespace == "" || strings.ContainsAny(c.Namespace, " *>") {
		errs = append(errs, fmt.Errorf("namespace %q", c.Namespace))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Backend.Kind {
	case BackendMemory:
	case BackendNATS:
		if c.Backend.NATSURL == "" {
			errs = append(errs, errors.New("backend.nats_url required for nats backend"))
		}
		if c.Backend.Bucket == "" {
			errs = append(errs, errors.New("backend.bucket required for nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.kind %q", c.Backend.Kind))
	}
	if c.Bus.RequestTimeout <= 0 {
		errs = append(errs, errors.New("bus.request_timeout must be positive"))
	}
	if c.Session.Heartbeat <= 0 || c.Session.Timeout <= c.Session.Heartbeat {
		errs = append(errs, errors.New("session.timeout must exceed a positive session.heartbeat"))
	}
	if c.Capture.PerSecond <= 0 {
		errs = append(errs, errors.New("capture.per_second must be positive"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol %q", c.Telemetry.Protocol))
	}
	switch c.Telemetry.Events {
	case "noop", "":
	case "file", "http":
		if c.Telemetry.EventsEndpoint == "" {
			errs = append(errs, errors.New("telemetry.events_endpoint required"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.events %q", c.Telemetry.Events))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
