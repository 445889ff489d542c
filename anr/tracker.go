package anr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/hangwatch/telemetry"
)

var (
	// ErrInvalidTimeout is returned when the timeout is not positive.
	ErrInvalidTimeout = errors.New("anr: timeout must be positive")
	// ErrNilQueue is returned when no main queue is supplied.
	ErrNilQueue = errors.New("anr: main queue must not be nil")
	// ErrInvalidSuspensionFactor is returned for factors not greater than 1.
	ErrInvalidSuspensionFactor = errors.New("anr: suspension factor must be greater than 1")
	// ErrListenerNotComparable is returned for listeners that cannot be
	// stored by identity.
	ErrListenerNotComparable = errors.New("anr: listener must be comparable")
)

// checksPerTimeout is the number of heartbeat checks per timeout window.
const checksPerTimeout = 5

// Heartbeat check outcomes reported to telemetry.
const (
	CheckResponsive = "responsive"
	CheckHung       = "hung"
	CheckBackground = "background"
	CheckSuspended  = "suspended"
)

// State is the phase of the monitoring loop.
type State int32

const (
	// StateIdle means no heartbeat is outstanding and no hang is reported.
	StateIdle State = iota
	// StateWaitingForHeartbeat means a heartbeat was posted and has not run yet.
	StateWaitingForHeartbeat
	// StateHangReported means listeners were told about an ongoing hang.
	StateHangReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForHeartbeat:
		return "waiting_for_heartbeat"
	case StateHangReported:
		return "hang_reported"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// heartbeat is the token of one posted task.
type heartbeat struct {
	seq  uint64
	once sync.Once
	done chan struct{}
}

func newHeartbeat(seq uint64) *heartbeat {
	return &heartbeat{seq: seq, done: make(chan struct{})}
}

func (h *heartbeat) run() {
	h.once.Do(func() { close(h.done) })
}

func (h *heartbeat) ran() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Tracker watches the monitored thread and reports hangs to listeners.
type Tracker struct {
	timeout          time.Duration
	suspensionFactor float64
	clock            Clock
	queue            MainQueue
	foreground       ForegroundProvider
	logger           zerolog.Logger
	telemetry        telemetry.Collector

	listeners *registry

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
}

// New constructs a tracker that considers the monitored thread hung when a
// heartbeat posted to queue does not run within timeout.
func New(timeout time.Duration, queue MainQueue, opts ...Option) (*Tracker, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeout, timeout)
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	cfg := settings{
		clock:            SystemClock,
		foreground:       AlwaysForeground,
		suspensionFactor: DefaultSuspensionFactor,
		logger:           zerolog.Nop(),
		telemetry:        telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Tracker{
		timeout:          timeout,
		suspensionFactor: cfg.suspensionFactor,
		clock:            cfg.clock,
		queue:            queue,
		foreground:       cfg.foreground,
		logger:           cfg.logger.With().Str("component", "anr").Logger(),
		telemetry:        cfg.telemetry,
		listeners:        newRegistry(),
	}, nil
}

// Timeout returns the configured heartbeat timeout.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// PollInterval returns how often the outstanding heartbeat is checked. A hang
// is reported at most one interval after the heartbeat's timeout expired.
func (t *Tracker) PollInterval() time.Duration {
	if poll := t.timeout / checksPerTimeout; poll > 0 {
		return poll
	}
	return t.timeout
}

// SuspensionThreshold returns the length of a single poll interval at or
// beyond which the check is ignored as a process suspension.
func (t *Tracker) SuspensionThreshold() time.Duration {
	return time.Duration(float64(t.timeout) * t.suspensionFactor)
}

// State returns the current phase of the monitoring loop.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Running reports whether the monitoring loop is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// AddListener registers l and starts monitoring if it is not running yet.
// Adding the same listener twice has no effect. Listeners whose dynamic type
// is not comparable are rejected with ErrListenerNotComparable.
func (t *Tracker) AddListener(l Listener) error {
	if l == nil {
		return nil
	}
	if !hashable(l) {
		return fmt.Errorf("%w: %T", ErrListenerNotComparable, l)
	}
	t.listeners.add(l)
	t.Start()
	return nil
}

// RemoveListener unregisters l. Removing the last listener stops the
// monitoring loop without emitting a stop event.
func (t *Tracker) RemoveListener(l Listener) {
	if l == nil || !hashable(l) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners.remove(l) == 0 {
		t.haltLocked()
	}
}

// Start launches the monitoring loop. It is a no-op while already running.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.state = StateIdle
	gen := t.gen
	go t.run(ctx, gen)
}

// Clear stops the monitoring loop, resets the state to idle and removes all
// listeners. It does not wait for the loop to exit, so it is safe to call
// from listeners and from tasks running on the monitored thread. No new
// notification is dispatched after Clear returns.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.haltLocked()
	t.listeners.clear()
}

func (t *Tracker) haltLocked() {
	t.gen++
	t.state = StateIdle
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) run(ctx context.Context, gen uint64) {
	logger := t.logger.With().Uint64("generation", gen).Logger()
	logger.Debug().Dur("timeout", t.timeout).Dur("poll", t.PollInterval()).Msg("monitoring started")
	defer func() {
		logger.Debug().Msg("monitoring stopped")
	}()

	var (
		beat     *heartbeat
		seq      uint64
		postedAt time.Time
	)
	postNext := func() bool {
		seq++
		beat = newHeartbeat(seq)
		postedAt = t.clock.Now()
		if !t.transition(gen, StateIdle, StateWaitingForHeartbeat) {
			return false
		}
		t.post(logger, beat)
		return true
	}

	for {
		tickStart := t.clock.Now()
		tick := t.clock.After(t.PollInterval())

		if beat == nil && !postNext() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-beat.done:
			t.recovered(gen, logger, beat)
			// A heartbeat stays outstanding so a block starting now is
			// measured from now.
			if !postNext() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-beat.done:
				t.recovered(gen, logger, beat)
				beat = nil
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
				continue
			case <-tick:
			}
		case <-tick:
		}

		if beat.ran() {
			t.recovered(gen, logger, beat)
			beat = nil
			continue
		}

		now := t.clock.Now()
		tickElapsed := now.Sub(tickStart)
		elapsed := now.Sub(postedAt)
		switch {
		case elapsed < t.timeout && tickElapsed < t.SuspensionThreshold():
			// Still within the timeout.
		case !t.foreground.IsForeground():
			t.telemetry.IncHeartbeatCheck(CheckBackground)
			logger.Debug().Uint64("heartbeat", beat.seq).Dur("elapsed", elapsed).Msg("ignoring unresponsive main thread while in background")
		case tickElapsed >= t.SuspensionThreshold():
			// The process was frozen for the whole tick. Measure the heartbeat
			// again from the resume.
			postedAt = now
			t.telemetry.IncHeartbeatCheck(CheckSuspended)
			logger.Debug().Uint64("heartbeat", beat.seq).Dur("elapsed", tickElapsed).Msg("ignoring check spanning a process suspension")
		default:
			t.telemetry.IncHeartbeatCheck(CheckHung)
			t.detected(gen, logger, beat, elapsed)
		}
	}
}

// post hands the heartbeat to the main queue. A panicking queue is treated
// like a heartbeat that never runs.
func (t *Tracker) post(logger zerolog.Logger, beat *heartbeat) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Uint64("heartbeat", beat.seq).Msg("main queue panicked while posting heartbeat")
		}
	}()
	t.queue.Post(beat.run)
}

// transition moves from one state to another if gen is still current. It
// leaves other states untouched and reports whether gen is current.
func (t *Tracker) transition(gen uint64, from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return false
	}
	if t.state == from {
		t.state = to
	}
	return true
}

func (t *Tracker) detected(gen uint64, logger zerolog.Logger, beat *heartbeat, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.state == StateHangReported {
		return
	}
	t.state = StateHangReported
	logger.Warn().Uint64("heartbeat", beat.seq).Dur("elapsed", elapsed).Msg("main thread hang detected")
	t.listeners.notifyDetected()
}

func (t *Tracker) recovered(gen uint64, logger zerolog.Logger, beat *heartbeat) {
	t.telemetry.IncHeartbeatCheck(CheckResponsive)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return
	}
	reported := t.state == StateHangReported
	t.state = StateIdle
	if !reported {
		return
	}
	logger.Info().Uint64("heartbeat", beat.seq).Msg("main thread hang stopped")
	t.listeners.notifyStopped()
}
