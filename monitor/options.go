package monitor

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/hangwatch/anr"
	"github.com/timzifer/hangwatch/config"
	"github.com/timzifer/hangwatch/telemetry"
)

// WithLogger provides a custom logger instance for the monitor. The logging
// section of the configuration is ignored.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath configures the monitor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithRegistry registers metrics with reg and serves them from /metrics
// instead of the process-wide default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *settings) error {
		if cfg == nil || reg == nil {
			return nil
		}
		cfg.registerer = reg
		cfg.gatherer = reg
		return nil
	}
}

// WithClock replaces the clock used by the tracker and the hang recorder.
func WithClock(clock anr.Clock) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if clock == nil {
			clock = anr.SystemClock
		}
		cfg.clock = clock
		return nil
	}
}

// WithHistorySize bounds the number of finished hangs kept for /hangs.
func WithHistorySize(size int) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.historySize = size
		return nil
	}
}

// WithListenAddress overrides the status server address of the configuration
// and enables the server.
func WithListenAddress(addr string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.listenAddr = strings.TrimSpace(addr)
		return nil
	}
}
