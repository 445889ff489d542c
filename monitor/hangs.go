package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/hangwatch/anr"
	"github.com/timzifer/hangwatch/telemetry"
)

const defaultHistorySize = 100

// Hang describes one hang of the monitored thread as seen by the recorder.
type Hang struct {
	ID              string     `json:"id"`
	DetectedAt      time.Time  `json:"detected_at"`
	RecoveredAt     *time.Time `json:"recovered_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Severity        string     `json:"severity,omitempty"`
	Ongoing         bool       `json:"ongoing"`
}

// hangRecorder is the tracker listener of the daemon. It pairs detection and
// stop events into Hang records.
type hangRecorder struct {
	clock     anr.Clock
	collector telemetry.Collector
	limit     int

	mu         sync.Mutex
	logger     zerolog.Logger
	classifier *Classifier
	timeout    time.Duration
	open       *Hang
	history    []Hang
	total      uint64
}

func newHangRecorder(clock anr.Clock, collector telemetry.Collector, limit int) *hangRecorder {
	if clock == nil {
		clock = anr.SystemClock
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	if limit <= 0 {
		limit = defaultHistorySize
	}
	return &hangRecorder{clock: clock, collector: collector, limit: limit, logger: zerolog.Nop()}
}

// configure installs the settings of a (re)loaded configuration. A hang that
// is still open belongs to the previous tracker and is discarded.
func (r *hangRecorder) configure(logger zerolog.Logger, classifier *Classifier, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger.With().Str("component", "hangs").Logger()
	r.classifier = classifier
	r.timeout = timeout
	if r.open != nil {
		r.logger.Debug().Str("hang_id", r.open.ID).Msg("discarding open hang")
		r.open = nil
		r.collector.SetHangActive(false)
	}
}

func (r *hangRecorder) HangDetected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open != nil {
		return
	}
	r.open = &Hang{
		ID:         uuid.NewString(),
		DetectedAt: r.clock.Now(),
		Ongoing:    true,
	}
	r.collector.SetHangActive(true)
	r.logger.Warn().Str("hang_id", r.open.ID).Dur("timeout", r.timeout).Msg("hang started")
}

func (r *hangRecorder) HangStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return
	}
	hang := *r.open
	r.open = nil

	now := r.clock.Now()
	duration := now.Sub(hang.DetectedAt)
	if duration < 0 {
		duration = 0
	}
	severity, err := r.classifier.Classify(duration, r.timeout)
	if err != nil {
		r.logger.Error().Err(err).Str("hang_id", hang.ID).Msg("classify hang")
	}
	hang.RecoveredAt = &now
	hang.DurationSeconds = duration.Seconds()
	hang.Severity = severity
	hang.Ongoing = false

	r.history = append(r.history, hang)
	if over := len(r.history) - r.limit; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}
	r.total++

	r.collector.SetHangActive(false)
	r.collector.IncHang(severity)
	r.collector.ObserveHangDuration(severity, duration)
	r.logger.Info().
		Str("hang_id", hang.ID).
		Str("severity", severity).
		Dur("duration", duration).
		Msg("hang finished")
}

// Current returns the ongoing hang, if any.
func (r *hangRecorder) Current() *Hang {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return nil
	}
	hang := *r.open
	return &hang
}

// History returns the ongoing hang followed by finished hangs, newest first.
func (r *hangRecorder) History() []Hang {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Hang, 0, len(r.history)+1)
	if r.open != nil {
		out = append(out, *r.open)
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		out = append(out, r.history[i])
	}
	return out
}

// Total returns the number of finished hangs since startup.
func (r *hangRecorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *hangRecorder) severities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.classifier.Names()
}
