// Package config loads ledgergate configuration from YAML or TOML.
//
// Configuration is an explicit struct threaded into constructors. Nothing
// reads the environment or a package-level global.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgergate/internal/agent"
	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/execution"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the full configuration.
type Config struct {
	Tenant     string           `yaml:"tenant" toml:"tenant"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Policy     PolicyConfig     `yaml:"policy" toml:"policy"`
	Coherence  CoherenceConfig  `yaml:"coherence" toml:"coherence"`
	Builder    BuilderConfig    `yaml:"builder" toml:"builder"`
	Visibility VisibilityConfig `yaml:"visibility" toml:"visibility"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

// StoreConfig selects and configures the ledger backend.
type StoreConfig struct {
	Backend string      `yaml:"backend" toml:"backend"`
	Path    string      `yaml:"path" toml:"path"`
	Redis   RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// PolicyConfig holds the decision thresholds.
type PolicyConfig struct {
	MinConfidence       float64 `yaml:"minConfidence" toml:"min_confidence"`
	MaxStalenessMinutes int     `yaml:"maxStalenessMinutes" toml:"max_staleness_minutes"`
	MinLineageCount     int     `yaml:"minLineageCount" toml:"min_lineage_count"`
}

// CoherenceConfig bounds the resolver window.
type CoherenceConfig struct {
	Window int `yaml:"window" toml:"window"`
}

// BuilderConfig configures builder runs.
type BuilderConfig struct {
	AllowedArtifactTypes []string      `yaml:"allowedArtifactTypes" toml:"allowed_artifact_types"`
	MaxArtifacts         int           `yaml:"maxArtifacts" toml:"max_artifacts"`
	Breaker              BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// BreakerConfig configures the circuit breaker around the agent. Durations
// use time.ParseDuration syntax.
type BreakerConfig struct {
	MaxRequests         uint32 `yaml:"maxRequests" toml:"max_requests"`
	Interval            string `yaml:"interval" toml:"interval"`
	Timeout             string `yaml:"timeout" toml:"timeout"`
	ConsecutiveFailures uint32 `yaml:"consecutiveFailures" toml:"consecutive_failures"`
}

// VisibilityConfig bounds the report window.
type VisibilityConfig struct {
	Window int `yaml:"window" toml:"window"`
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    "ledgergate.db",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "ledgergate:"},
		},
		Policy: PolicyConfig{
			MinConfidence:       policy.DefaultThresholds.MinConfidence,
			MaxStalenessMinutes: policy.DefaultThresholds.MaxStalenessMinutes,
			MinLineageCount:     policy.DefaultThresholds.MinLineageCount,
		},
		Coherence: CoherenceConfig{Window: coherence.DefaultWindow},
		Builder: BuilderConfig{
			AllowedArtifactTypes: []string{string(ledger.TypeTask)},
			MaxArtifacts:         execution.DefaultMaxArtifacts,
			Breaker: BreakerConfig{
				MaxRequests:         agent.DefaultBreakerSettings.MaxRequests,
				Interval:            agent.DefaultBreakerSettings.Interval.String(),
				Timeout:             agent.DefaultBreakerSettings.Timeout.String(),
				ConsecutiveFailures: agent.DefaultBreakerSettings.ConsecutiveFailures,
			},
		},
		Visibility: VisibilityConfig{Window: coherence.DefaultWindow},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file over the defaults.
// Fields absent from the file keep their default values. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("parsing config: unknown key %s", undecoded[0])
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q: use .yaml, .yml or .toml", ext)
	}
	return cfg, nil
}

// Validate checks every field. Call it after command-line overrides.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Tenant == "" {
		add("tenant is required")
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			add("store.redis.addr is required for the redis backend")
		}
	default:
		add("store.backend must be %s or %s, got %q", BackendSQLite, BackendRedis, c.Store.Backend)
	}

	if c.Policy.MinConfidence < 0 || c.Policy.MinConfidence > 1 {
		add("policy.minConfidence must be within [0,1], got %v", c.Policy.MinConfidence)
	}
	if c.Policy.MaxStalenessMinutes <= 0 {
		add("policy.maxStalenessMinutes must be positive, got %d", c.Policy.MaxStalenessMinutes)
	}
	if c.Policy.MinLineageCount < 0 {
		add("policy.minLineageCount must not be negative, got %d", c.Policy.MinLineageCount)
	}
	if c.Coherence.Window <= 0 {
		add("coherence.window must be positive, got %d", c.Coherence.Window)
	}
	if c.Visibility.Window <= 0 {
		add("visibility.window must be positive, got %d", c.Visibility.Window)
	}

	if len(c.Builder.AllowedArtifactTypes) == 0 {
		add("builder.allowedArtifactTypes must not be empty")
	}
	for _, t := range c.Builder.AllowedArtifactTypes {
		typ := ledger.ArtifactType(t)
		// Builder output must never move the coherence snapshot, or replays
		// of the same run would see different inputs.
		if t == "" || ledger.IsCoherenceType(typ) || typ == ledger.TypeExecutionEvent || typ == ledger.TypePolicyGate {
			add("builder.allowedArtifactTypes: %q cannot be produced by the builder", t)
		}
	}
	if c.Builder.MaxArtifacts < 1 {
		add("builder.maxArtifacts must be >= 1, got %d", c.Builder.MaxArtifacts)
	}
	if _, err := c.BreakerSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Thresholds returns the policy thresholds.
func (c Config) Thresholds() policy.Thresholds {
	return policy.Thresholds{
		MinConfidence:       c.Policy.MinConfidence,
		MaxStalenessMinutes: c.Policy.MaxStalenessMinutes,
		MinLineageCount:     c.Policy.MinLineageCount,
	}
}

// ArtifactTypes returns the builder allow-list.
func (c Config) ArtifactTypes() []ledger.ArtifactType {
	out := make([]ledger.ArtifactType, len(c.Builder.AllowedArtifactTypes))
	for i, t := range c.Builder.AllowedArtifactTypes {
		out[i] = ledger.ArtifactType(t)
	}
	return out
}

// RunnerSettings returns the builder run settings.
func (c Config) RunnerSettings() execution.Settings {
	return execution.Settings{
		TenantID:             c.Tenant,
		Thresholds:           c.Thresholds(),
		AllowedArtifactTypes: c.ArtifactTypes(),
		MaxArtifacts:         c.Builder.MaxArtifacts,
		ServiceVersion:       ledger.ServiceVersion,
	}
}

// BreakerSettings parses the breaker section.
func (c Config) BreakerSettings() (agent.BreakerSettings, error) {
	b := c.Builder.Breaker
	s := agent.BreakerSettings{
		MaxRequests:         b.MaxRequests,
		ConsecutiveFailures: b.ConsecutiveFailures,
	}
	var err error
	if s.Interval, err = parseDuration("builder.breaker.interval", b.Interval); err != nil {
		return agent.BreakerSettings{}, err
	}
	if s.Timeout, err = parseDuration("builder.breaker.timeout", b.Timeout); err != nil {
		return agent.BreakerSettings{}, err
	}
	return s, nil
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseDuration(field, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", level)
}
