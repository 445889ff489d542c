package anr

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/hangwatch/telemetry"
)

// DefaultSuspensionFactor is the multiple of the timeout beyond which a
// timed-out check is attributed to process suspension instead of a hang.
const DefaultSuspensionFactor = 2.0

// Option configures a Tracker during construction.
type Option func(*settings) error

type settings struct {
	clock            Clock
	foreground       ForegroundProvider
	suspensionFactor float64
	logger           zerolog.Logger
	telemetry        telemetry.Collector
}

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if clock == nil {
			clock = SystemClock
		}
		cfg.clock = clock
		return nil
	}
}

// WithForeground installs the provider consulted before reporting a hang.
func WithForeground(provider ForegroundProvider) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if provider == nil {
			provider = AlwaysForeground
		}
		cfg.foreground = provider
		return nil
	}
}

// WithSuspensionFactor sets the multiple of the timeout at which a check is
// considered to have spanned a process suspension. It must be greater than 1.
func WithSuspensionFactor(factor float64) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if factor <= 1 {
			return fmt.Errorf("%w: %v", ErrInvalidSuspensionFactor, factor)
		}
		cfg.suspensionFactor = factor
		return nil
	}
}

// WithLogger provides a custom logger instance for the tracker.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		return nil
	}
}

// WithTelemetry injects a collector receiving heartbeat check outcomes.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		return nil
	}
}
