package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimeout          = 2 * time.Second
	defaultSuspensionFactor = 2.0
	defaultListen           = ":18080"
	defaultWorkloadInterval = 10 * time.Second
	defaultWorkloadStall    = 3 * time.Second
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// TrackerConfig configures the hang detector.
type TrackerConfig struct {
	Timeout          Duration `yaml:"timeout,omitempty"`
	SuspensionFactor float64  `yaml:"suspension_factor,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// ServerConfig configures the embedded status server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// SeverityRule labels a finished hang when its expression evaluates to true.
// Rules are evaluated in declaration order.
type SeverityRule struct {
	Name string `yaml:"name"`
	When string `yaml:"when"`
}

// WorkloadConfig configures the synthetic main thread stalls used for demos
// and smoke tests.
type WorkloadConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval,omitempty"`
	Stall    Duration `yaml:"stall,omitempty"`
}

// Config is the root configuration structure for the watchdog daemon.
type Config struct {
	Tracker    TrackerConfig   `yaml:"tracker"`
	Foreground *bool           `yaml:"foreground,omitempty"`
	Logging    LoggingConfig   `yaml:"logging"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Server     ServerConfig    `yaml:"server"`
	Severity   []SeverityRule  `yaml:"severity,omitempty"`
	Workload   WorkloadConfig  `yaml:"workload"`
	HotReload  bool            `yaml:"hot_reload,omitempty"`

	// Sources lists the files that contributed to this configuration.
	Sources []string `yaml:"-"`
}

// Load reads, validates and decodes the configuration from a file or from
// every YAML file of a directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	var cfg *Config
	if info.IsDir() {
		cfg, err = loadDir(abs)
	} else {
		cfg, err = loadFile(abs)
	}
	if err != nil {
		return nil, err
	}
	if err := validateRules(cfg.Severity); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// TrackerTimeout returns the heartbeat timeout.
func (c *Config) TrackerTimeout() time.Duration {
	if c == nil || c.Tracker.Timeout.Duration <= 0 {
		return defaultTimeout
	}
	return c.Tracker.Timeout.Duration
}

// SuspensionFactor returns the multiple of the timeout treated as process
// suspension.
func (c *Config) SuspensionFactor() float64 {
	if c == nil || c.Tracker.SuspensionFactor <= 1 {
		return defaultSuspensionFactor
	}
	return c.Tracker.SuspensionFactor
}

// SuspensionThreshold returns the elapsed check time at or beyond which a
// timed-out heartbeat is attributed to process suspension.
func (c *Config) SuspensionThreshold() time.Duration {
	return time.Duration(float64(c.TrackerTimeout()) * c.SuspensionFactor())
}

// InitialForeground reports whether the process starts out active.
func (c *Config) InitialForeground() bool {
	if c == nil || c.Foreground == nil {
		return true
	}
	return *c.Foreground
}

// ServerListen returns the status server listen address.
func (c *Config) ServerListen() string {
	if c == nil || strings.TrimSpace(c.Server.Listen) == "" {
		return defaultListen
	}
	return c.Server.Listen
}

// WorkloadInterval returns the pause between synthetic stalls.
func (c *Config) WorkloadInterval() time.Duration {
	if c == nil || c.Workload.Interval.Duration <= 0 {
		return defaultWorkloadInterval
	}
	return c.Workload.Interval.Duration
}

// WorkloadStall returns how long each synthetic stall blocks the main loop.
func (c *Config) WorkloadStall() time.Duration {
	if c == nil || c.Workload.Stall.Duration <= 0 {
		return defaultWorkloadStall
	}
	return c.Workload.Stall.Duration
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}

	var generic map[string]interface{}
	if err := root.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := Validate(generic); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.Sources = []string{path}
	return &cfg, nil
}

func loadDir(path string) (*Config, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := loadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		mergeConfig(result, cfg)
	}
	if len(result.Sources) == 0 {
		return nil, fmt.Errorf("config dir %s contains no YAML files", path)
	}
	return result, nil
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}

	if src.Tracker.Timeout.Duration != 0 {
		dst.Tracker.Timeout = src.Tracker.Timeout
	}
	if src.Tracker.SuspensionFactor != 0 {
		dst.Tracker.SuspensionFactor = src.Tracker.SuspensionFactor
	}
	if src.Foreground != nil {
		value := *src.Foreground
		dst.Foreground = &value
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Provider != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.Server.Enabled || src.Server.Listen != "" {
		dst.Server = src.Server
	}
	if src.Workload.Enabled || src.Workload.Interval.Duration != 0 || src.Workload.Stall.Duration != 0 {
		dst.Workload = src.Workload
	}
	if src.HotReload {
		dst.HotReload = true
	}

	dst.Severity = append(dst.Severity, src.Severity...)
	dst.Sources = append(dst.Sources, src.Sources...)
}

func validateRules(rules []SeverityRule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return fmt.Errorf("severity rule %d: name must not be empty", i)
		}
		if strings.TrimSpace(rule.When) == "" {
			return fmt.Errorf("severity rule %s: expression must not be empty", name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate severity rule %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
