// Package monitor composes the hang tracker, the monitored main loop, the
// hang recorder and the status server into the hangwatch daemon.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/hangwatch/anr"
	"github.com/timzifer/hangwatch/config"
	"github.com/timzifer/hangwatch/internal/logging"
	"github.com/timzifer/hangwatch/internal/reload"
	"github.com/timzifer/hangwatch/mainloop"
	"github.com/timzifer/hangwatch/telemetry"
)

var reloadPollInterval = time.Second

// ReloadFunc represents a function that reloads the monitor configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the monitor during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	registerer        prometheus.Registerer
	gatherer          prometheus.Gatherer
	clock             anr.Clock
	historySize       int
	listenAddr        string
}

// Monitor runs a main loop and watches it for hangs. The loop, the foreground
// state and the hang history survive configuration reloads; the tracker is
// rebuilt on every reload.
type Monitor struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	clock     anr.Clock
	collector telemetry.Collector
	gatherer  prometheus.Gatherer

	customLogger bool
	baseLogger   zerolog.Logger
	logger       zerolog.Logger
	cleanup      func()

	listenAddr string

	loop       *mainloop.Loop
	foreground *anr.ForegroundState
	recorder   *hangRecorder
	tracker    *anr.Tracker
	watcher    *reload.Watcher

	done    chan struct{}
	running bool
	closed  bool
}

// Status is a snapshot of the monitor reported by /status.
type Status struct {
	State               string   `json:"state"`
	Monitoring          bool     `json:"monitoring"`
	Foreground          bool     `json:"foreground"`
	TimeoutSeconds      float64  `json:"timeout_seconds"`
	SuspensionSeconds   float64  `json:"suspension_threshold_seconds"`
	Backlog             int      `json:"backlog"`
	HangsTotal          uint64   `json:"hangs_total"`
	CurrentHang         *Hang    `json:"current_hang,omitempty"`
	Severities          []string `json:"severities"`
	HotReload           bool     `json:"hot_reload"`
	ConfigurationSource []string `json:"configuration_sources,omitempty"`
}

// New constructs a monitor with the supplied options.
func New(ctx context.Context, opts ...Option) (*Monitor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:     zerolog.Nop(),
		telemetry:  telemetry.Noop(),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		clock:      anr.SystemClock,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}
	if err := Validate(cfg.config); err != nil {
		return nil, err
	}

	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry, cfg.registerer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			cfg.telemetry = telemetry.Noop()
		} else {
			cfg.telemetry = collector
		}
	}

	mon := &Monitor{
		configPath:   cfg.configPath,
		clock:        cfg.clock,
		collector:    cfg.telemetry,
		gatherer:     cfg.gatherer,
		customLogger: cfg.customLogger,
		baseLogger:   cfg.logger,
		cleanup:      func() {},
		listenAddr:   cfg.listenAddr,
		foreground:   anr.NewForegroundState(cfg.config.InitialForeground()),
		recorder:     newHangRecorder(cfg.clock, cfg.telemetry, cfg.historySize),
		done:         make(chan struct{}),
	}

	logger, cleanup, err := mon.buildLogger(cfg.config)
	if err != nil {
		return nil, err
	}
	mon.loop = mainloop.New(logger)

	mon.mu.Lock()
	err = mon.applyLocked(cfg.config, logger, cleanup)
	mon.mu.Unlock()
	if err != nil {
		cleanup()
		return nil, err
	}

	if cfg.registerReload != nil {
		cfg.registerReload(mon.Reload)
	}
	return mon, nil
}

// Validate checks the parts of a configuration that the schema cannot.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("configuration must not be nil")
	}
	if _, err := NewClassifier(cfg.Severity); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Workload.Enabled && cfg.WorkloadStall() >= cfg.WorkloadInterval() {
		return fmt.Errorf("workload stall %s must be shorter than its interval %s", cfg.WorkloadStall(), cfg.WorkloadInterval())
	}
	return nil
}

// Run executes the main loop, the tracker and the optional workload, status
// server and configuration watcher until ctx is cancelled or one of them fails.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("monitor closed")
	}
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor already running")
	}
	if err := m.tracker.AddListener(m.recorder); err != nil {
		m.mu.Unlock()
		return err
	}
	m.running = true
	cfg := m.config
	logger := m.logger
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		if m.tracker != nil {
			m.tracker.Clear()
		}
		m.mu.Unlock()
	}()

	var ln net.Listener
	if addr, enabled := m.serverAddress(cfg); enabled {
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	}

	logger.Info().
		Dur("timeout", cfg.TrackerTimeout()).
		Bool("foreground", m.foreground.IsForeground()).
		Msg("monitoring main loop")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		// Close ends the loop without an error; stop the other workers too.
		defer cancel()
		return m.loop.Run(groupCtx)
	})
	group.Go(func() error {
		return m.watch(groupCtx)
	})
	if cfg.Workload.Enabled {
		group.Go(func() error {
			return runWorkload(groupCtx, m.loop, cfg.WorkloadInterval(), cfg.WorkloadStall(), logger)
		})
	}
	if ln != nil {
		group.Go(func() error {
			return serve(groupCtx, ln, m.Handler(), logger)
		})
	}

	err := group.Wait()
	if errors.Is(err, mainloop.ErrClosed) {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ctx.Err()
}

// Reload rebuilds the tracker using the latest configuration from disk.
func (m *Monitor) Reload(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return m.reloadFromDisk(nil)
}

// SetForeground records whether the monitored process is active. Hangs are
// only reported while it is.
func (m *Monitor) SetForeground(active bool) {
	m.foreground.Set(active)
	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()
	logger.Info().Bool("foreground", active).Msg("foreground state changed")
}

// Stall blocks the main loop for d. It returns once the blocking task is
// queued.
func (m *Monitor) Stall(d time.Duration) {
	if d <= 0 {
		return
	}
	done := m.done
	m.loop.Post(func() { block(d, done) })
}

// Hangs returns the ongoing hang followed by finished hangs, newest first.
func (m *Monitor) Hangs() []Hang {
	return m.recorder.History()
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		State:       anr.StateIdle.String(),
		Foreground:  m.foreground.IsForeground(),
		Backlog:     m.loop.Len(),
		HangsTotal:  m.recorder.Total(),
		CurrentHang: m.recorder.Current(),
		Severities:  append(m.recorder.severities(), DefaultSeverity),
	}
	if m.config != nil {
		status.HotReload = m.config.HotReload
		status.ConfigurationSource = config.SourceFiles(m.config)
	}
	if m.tracker != nil {
		status.State = m.tracker.State().String()
		status.Monitoring = m.tracker.Running()
		status.TimeoutSeconds = m.tracker.Timeout().Seconds()
		status.SuspensionSeconds = m.tracker.SuspensionThreshold().Seconds()
	}
	return status
}

// Close releases resources managed by the monitor.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tracker := m.tracker
	cleanup := m.cleanup
	m.cleanup = func() {}
	close(m.done)
	m.mu.Unlock()

	if tracker != nil {
		tracker.Clear()
	}
	m.loop.Close()
	cleanup()
}

func (m *Monitor) serverAddress(cfg *config.Config) (string, bool) {
	if m.listenAddr != "" {
		return m.listenAddr, true
	}
	if cfg.Server.Enabled {
		return cfg.ServerListen(), true
	}
	return "", false
}

func (m *Monitor) watch(ctx context.Context) error {
	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			watcher := m.watcher
			logger := m.logger
			m.mu.Unlock()
			if watcher == nil {
				continue
			}
			changes, err := watcher.Check()
			if err != nil {
				logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			if err := m.reloadFromDisk(changes); err != nil {
				logger.Error().Err(err).Strs("files", changes).Msg("failed to reload configuration")
				// Do not retry the same broken files on every tick.
				m.mu.Lock()
				if m.watcher != nil {
					_ = m.watcher.Update(m.configPath, m.config)
				}
				m.mu.Unlock()
			}
		}
	}
}

func (m *Monitor) reloadFromDisk(files []string) error {
	if m.configPath == "" {
		return errors.New("reload not supported without configuration path")
	}
	cfg, err := config.Load(m.configPath)
	if err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	logger, cleanup, err := m.buildLogger(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cleanup()
		return errors.New("monitor closed")
	}
	previous := m.cleanup
	if err := m.applyLocked(cfg, logger, cleanup); err != nil {
		m.mu.Unlock()
		cleanup()
		return err
	}
	if m.running {
		if err := m.tracker.AddListener(m.recorder); err != nil {
			m.mu.Unlock()
			previous()
			return err
		}
	}
	m.mu.Unlock()

	previous()
	for _, file := range files {
		m.collector.IncHotReload(file)
	}
	logger.Info().Dur("timeout", cfg.TrackerTimeout()).Msg("configuration reloaded")
	return nil
}

// applyLocked swaps in a tracker built from cfg. The caller holds m.mu.
func (m *Monitor) applyLocked(cfg *config.Config, logger zerolog.Logger, cleanup func()) error {
	classifier, err := NewClassifier(cfg.Severity)
	if err != nil {
		return err
	}
	tracker, err := anr.New(cfg.TrackerTimeout(), m.loop,
		anr.WithClock(m.clock),
		anr.WithForeground(m.foreground),
		anr.WithSuspensionFactor(cfg.SuspensionFactor()),
		anr.WithLogger(logger),
		anr.WithTelemetry(m.collector),
	)
	if err != nil {
		return err
	}
	if err := m.initWatcherLocked(cfg); err != nil {
		return err
	}

	if m.tracker != nil {
		m.tracker.Clear()
	}
	m.recorder.configure(logger, classifier, cfg.TrackerTimeout())
	m.tracker = tracker
	m.config = cfg
	m.logger = logger
	m.cleanup = cleanup
	log.Logger = logger
	return nil
}

func (m *Monitor) buildLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	if m.customLogger {
		return m.baseLogger, func() {}, nil
	}
	return logging.Setup(cfg.Logging)
}

func (m *Monitor) initWatcherLocked(cfg *config.Config) error {
	if m.configPath == "" || !cfg.HotReload {
		m.watcher = nil
		return nil
	}
	if m.watcher == nil {
		watcher, err := reload.NewWatcher(m.configPath, cfg)
		if err != nil {
			return err
		}
		m.watcher = watcher
		return nil
	}
	return m.watcher.Update(m.configPath, cfg)
}
