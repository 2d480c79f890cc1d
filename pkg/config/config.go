// Package config loads helm-certify settings from an optional YAML file,
// then applies CERTIFY_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-certify/pkg/archive"
	"github.com/Mindburn-Labs/helm-certify/pkg/certification"
	"github.com/Mindburn-Labs/helm-certify/pkg/clockguard"
	"github.com/Mindburn-Labs/helm-certify/pkg/observability"
)

// Config is the full process configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Clock     ClockConfig     `yaml:"clock"`
	Gate      GateConfig      `yaml:"gate"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// LedgerConfig selects the ledger store. A non-empty DSN wins over Path.
type LedgerConfig struct {
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn,omitempty"` // postgres://... or sqlite://<file>
}

// KeystoreConfig locates the HMAC keystore.
type KeystoreConfig struct {
	Path string `yaml:"path"`
}

// ClockConfig configures the clock-integrity check.
type ClockConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
	MaxSkew time.Duration `yaml:"max_skew"`
	// QueriesPerSecond paces outbound time queries; 0 disables pacing.
	QueriesPerSecond float64 `yaml:"queries_per_second,omitempty"`
}

// GateConfig holds the automatic thresholds and the approval token window.
type GateConfig struct {
	MinConfidence    float64       `yaml:"min_confidence"`
	MaxDuplicateRisk float64       `yaml:"max_duplicate_risk"`
	TokenWindow      time.Duration `yaml:"token_window"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// ArchiveConfig names where ledger snapshots are exported.
type ArchiveConfig struct {
	Destination string `yaml:"destination"` // s3://bucket/prefix, gs://bucket/prefix or file:///dir
	Region      string `yaml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	th := certification.DefaultThresholds()
	return &Config{
		LogLevel: "INFO",
		Ledger:   LedgerConfig{Path: "./data/approvals.jsonl"},
		Keystore: KeystoreConfig{Path: "./data/keystore.json"},
		Clock: ClockConfig{
			Servers: append([]string(nil), clockguard.DefaultServers...),
			Timeout: clockguard.DefaultTimeout,
			MaxSkew: clockguard.DefaultMaxSkew,
		},
		Gate: GateConfig{
			MinConfidence:    th.MinConfidence,
			MaxDuplicateRisk: th.MaxDuplicateRisk,
			TokenWindow:      time.Hour,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
		Archive: ArchiveConfig{Region: "us-east-1"},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
// Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *float64) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = f
		return nil
	}

	str("CERTIFY_LOG_LEVEL", &c.LogLevel)
	str("CERTIFY_LEDGER_PATH", &c.Ledger.Path)
	str("CERTIFY_LEDGER_DSN", &c.Ledger.DSN)
	str("CERTIFY_KEYSTORE_PATH", &c.Keystore.Path)
	str("CERTIFY_ARCHIVE_DEST", &c.Archive.Destination)
	str("CERTIFY_ARCHIVE_REGION", &c.Archive.Region)
	str("CERTIFY_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	if v, ok := os.LookupEnv("CERTIFY_CLOCK_SERVERS"); ok {
		c.Clock.Servers = splitList(v)
	}
	if v, ok := os.LookupEnv("CERTIFY_OTLP_ENDPOINT"); ok && v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	c.Telemetry.Insecure = c.Telemetry.Insecure || os.Getenv("CERTIFY_OTLP_INSECURE") == "true"

	for _, err := range []error{
		dur("CERTIFY_CLOCK_TIMEOUT", &c.Clock.Timeout),
		dur("CERTIFY_CLOCK_MAX_SKEW", &c.Clock.MaxSkew),
		dur("CERTIFY_TOKEN_WINDOW", &c.Gate.TokenWindow),
		num("CERTIFY_MIN_CONFIDENCE", &c.Gate.MinConfidence),
		num("CERTIFY_MAX_DUPLICATE_RISK", &c.Gate.MaxDuplicateRisk),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects settings that would weaken or disable a check.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.Path == "" && c.Ledger.DSN == "" {
		errs = append(errs, errors.New("ledger.path or ledger.dsn is required"))
	}
	if c.Clock.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("clock.timeout must be positive, got %s", c.Clock.Timeout))
	}
	if c.Clock.MaxSkew <= 0 {
		errs = append(errs, fmt.Errorf("clock.max_skew must be positive, got %s", c.Clock.MaxSkew))
	}
	if c.Clock.QueriesPerSecond < 0 {
		errs = append(errs, errors.New("clock.queries_per_second must not be negative"))
	}
	if !unit(c.Gate.MinConfidence) {
		errs = append(errs, fmt.Errorf("gate.min_confidence %v outside [0, 1]", c.Gate.MinConfidence))
	}
	if !unit(c.Gate.MaxDuplicateRisk) {
		errs = append(errs, fmt.Errorf("gate.max_duplicate_risk %v outside [0, 1]", c.Gate.MaxDuplicateRisk))
	}
	if c.Gate.TokenWindow < time.Millisecond {
		errs = append(errs, fmt.Errorf("gate.token_window must be at least 1ms, got %s", c.Gate.TokenWindow))
	}
	if !unit(c.Telemetry.SampleRate) {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %v outside [0, 1]", c.Telemetry.SampleRate))
	}
	if c.Archive.Destination != "" {
		if _, err := archive.ParseDestination(c.Archive.Destination); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Thresholds returns the gate thresholds.
func (c *Config) Thresholds() certification.Thresholds {
	return certification.Thresholds{
		MinConfidence:    c.Gate.MinConfidence,
		MaxDuplicateRisk: c.Gate.MaxDuplicateRisk,
	}
}

// NewGate builds a certification gate with the configured thresholds and
// token window.
func (c *Config) NewGate(guard certification.ClockChecker, signer certification.TokenSigner, l certification.ApprovalLedger) *certification.Gate {
	return certification.NewGate(guard, signer, l).
		WithThresholds(c.Thresholds()).
		WithTokenWindow(c.Gate.TokenWindow)
}

// ClockGuard returns the clockguard configuration. Source, clock and logger
// are left for the caller.
func (c *Config) ClockGuard() clockguard.Config {
	cg := clockguard.Config{
		Servers: append([]string{}, c.Clock.Servers...),
		Timeout: c.Clock.Timeout,
		MaxSkew: c.Clock.MaxSkew,
	}
	if c.Clock.QueriesPerSecond > 0 {
		cg.Limiter = rate.NewLimiter(rate.Limit(c.Clock.QueriesPerSecond), 1)
	}
	return cg
}

// Observability returns the telemetry provider configuration.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.Endpoint
	oc.Insecure = c.Telemetry.Insecure
	oc.SampleRate = c.Telemetry.SampleRate
	oc.Environment = c.Telemetry.Environment
	return oc
}

// ArchiveOptions returns the object storage settings for archive.Open.
func (c *Config) ArchiveOptions() archive.Options {
	return archive.Options{Region: c.Archive.Region, Endpoint: c.Archive.Endpoint}
}
