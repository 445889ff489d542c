package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/hangwatch/anr"
)

// runWorkload periodically blocks the main loop for stall until ctx ends.
func runWorkload(ctx context.Context, queue anr.MainQueue, interval, stall time.Duration, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "workload").Logger()
	logger.Info().Dur("interval", interval).Dur("stall", stall).Msg("synthetic stalls enabled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logger.Debug().Dur("stall", stall).Msg("stalling main loop")
			queue.Post(func() { block(stall, ctx.Done()) })
		}
	}
}

// block sleeps for d or until done is closed.
func block(d time.Duration, done <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-done:
	}
}
