// Package config loads dashflow configuration.
//
// Configuration is YAML. A file only needs the keys it changes: LoadFile
// decodes on top of Default, and Merge layers further overrides (for
// example CLI flags) on top of that. Raw documents are checked against an
// embedded CUE schema before decoding, so unknown keys and malformed
// durations are reported with their path instead of being ignored.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dashflow/internal/engine"
)

// Config is the full dashflow configuration.
type Config struct {
	Engine    EngineConfig       `yaml:"engine"`
	Retry     engine.RetryPolicy `yaml:"retry"`
	Elements  ElementsConfig     `yaml:"elements"`
	Gateway   GatewayConfig      `yaml:"gateway"`
	Journal   JournalConfig      `yaml:"journal"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Log       LogConfig          `yaml:"log"`
}

// EngineConfig tunes the scheduler.
type EngineConfig struct {
	// DefaultTimeout applies to commands whose handler sets none. 0 means
	// no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxChildren    int           `yaml:"max_children"`
}

// ElementsConfig tunes attribute element loading.
type ElementsConfig struct {
	PageSize       int           `yaml:"page_size"`
	SearchDebounce time.Duration `yaml:"search_debounce"`
	MaxPrefetch    int           `yaml:"max_prefetch"`
}

// GatewayConfig configures the decorators wrapped around the backend.
type GatewayConfig struct {
	// RateLimit is in calls per second. 0 disables limiting.
	RateLimit     float64 `yaml:"rate_limit"`
	Burst         int     `yaml:"burst"`
	DedupMetadata bool    `yaml:"dedup_metadata"`
}

// JournalConfig enables the SQLite journal when Path is set.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig configures the slog handler installed by the CLI.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			DefaultTimeout: 30 * time.Second,
			MaxChildren:    engine.DefaultMaxChildren,
		},
		Retry: engine.RetryPolicy{
			MaxRetries: 2,
			Backoff:    100 * time.Millisecond,
			Multiplier: 2,
			MaxBackoff: 2 * time.Second,
		},
		Elements: ElementsConfig{
			PageSize:       50,
			SearchDebounce: 0,
			MaxPrefetch:    4,
		},
		Gateway: GatewayConfig{
			RateLimit:     0,
			Burst:         8,
			DedupMetadata: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "dashflow",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse validates data against the schema and decodes it on top of
// Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := ValidateDocument(data); err != nil {
		return Config{}, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and parses the file at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of override applied. Boolean
// fields can only be switched on by an override.
func (c Config) Merge(override Config) Config {
	out := c

	setDuration(&out.Engine.DefaultTimeout, override.Engine.DefaultTimeout)
	setInt(&out.Engine.MaxChildren, override.Engine.MaxChildren)

	setInt(&out.Retry.MaxRetries, override.Retry.MaxRetries)
	setDuration(&out.Retry.Backoff, override.Retry.Backoff)
	if override.Retry.Multiplier != 0 {
		out.Retry.Multiplier = override.Retry.Multiplier
	}
	setDuration(&out.Retry.MaxBackoff, override.Retry.MaxBackoff)

	setInt(&out.Elements.PageSize, override.Elements.PageSize)
	setDuration(&out.Elements.SearchDebounce, override.Elements.SearchDebounce)
	setInt(&out.Elements.MaxPrefetch, override.Elements.MaxPrefetch)

	if override.Gateway.RateLimit != 0 {
		out.Gateway.RateLimit = override.Gateway.RateLimit
	}
	setInt(&out.Gateway.Burst, override.Gateway.Burst)
	out.Gateway.DedupMetadata = out.Gateway.DedupMetadata || override.Gateway.DedupMetadata

	setString(&out.Journal.Path, override.Journal.Path)

	out.Telemetry.Tracing = out.Telemetry.Tracing || override.Telemetry.Tracing
	out.Telemetry.Stdout = out.Telemetry.Stdout || override.Telemetry.Stdout
	setString(&out.Telemetry.ServiceName, override.Telemetry.ServiceName)

	setString(&out.Log.Level, override.Log.Level)
	setString(&out.Log.Format, override.Log.Format)
	return out
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// FieldError is one invalid configuration value.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks cross-field constraints the schema cannot express, and
// the value ranges for configs built in code.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			errs = append(errs, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
		}
	}

	check(c.Engine.DefaultTimeout >= 0, "engine.default_timeout", "must not be negative")
	check(c.Engine.MaxChildren > 0, "engine.max_children", "must be positive, got %d", c.Engine.MaxChildren)

	check(c.Retry.MaxRetries >= 0, "retry.max_retries", "must not be negative")
	check(c.Retry.Backoff >= 0, "retry.backoff", "must not be negative")
	check(c.Retry.MaxBackoff == 0 || c.Retry.MaxBackoff >= c.Retry.Backoff,
		"retry.max_backoff", "must be at least retry.backoff (%s)", c.Retry.Backoff)

	check(c.Elements.PageSize > 0, "elements.page_size", "must be positive, got %d", c.Elements.PageSize)
	check(c.Elements.SearchDebounce >= 0, "elements.search_debounce", "must not be negative")
	check(c.Elements.MaxPrefetch >= 0, "elements.max_prefetch", "must not be negative")

	check(c.Gateway.RateLimit >= 0, "gateway.rate_limit", "must not be negative")
	check(c.Gateway.RateLimit == 0 || c.Gateway.Burst > 0, "gateway.burst", "must be positive when rate_limit is set")

	check(!c.Telemetry.Stdout || c.Telemetry.Tracing, "telemetry.stdout", "requires telemetry.tracing")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		check(false, "log.format", "unknown format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}
