package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/hangwatch/config"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type observation struct {
	severity string
	duration time.Duration
}

type recordingCollector struct {
	mu           sync.Mutex
	active       bool
	hangs        map[string]int
	observations []observation
	reloads      []string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{hangs: make(map[string]int)}
}

func (c *recordingCollector) IncHotReload(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloads = append(c.reloads, file)
}

func (c *recordingCollector) IncHeartbeatCheck(string) {}

func (c *recordingCollector) IncHang(severity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangs[severity]++
}

func (c *recordingCollector) ObserveHangDuration(severity string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = append(c.observations, observation{severity: severity, duration: d})
}

func (c *recordingCollector) SetHangActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
}

func (c *recordingCollector) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *recordingCollector) reloadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reloads)
}

func newTestRecorder(t *testing.T, limit int) (*hangRecorder, *manualClock, *recordingCollector) {
	t.Helper()
	classifier, err := NewClassifier([]config.SeverityRule{{Name: "major", When: "ratio >= 2"}})
	require.NoError(t, err)
	clock := newManualClock()
	collector := newRecordingCollector()
	recorder := newHangRecorder(clock, collector, limit)
	recorder.configure(zerolog.Nop(), classifier, time.Second)
	return recorder, clock, collector
}

func TestRecorderPairsDetectionAndStop(t *testing.T) {
	recorder, clock, collector := newTestRecorder(t, 10)

	recorder.HangDetected()
	current := recorder.Current()
	require.NotNil(t, current)
	require.True(t, current.Ongoing)
	require.NotEmpty(t, current.ID)
	require.True(t, collector.isActive())

	clock.advance(3 * time.Second)
	recorder.HangStopped()

	require.Nil(t, recorder.Current())
	require.False(t, collector.isActive())
	require.Equal(t, uint64(1), recorder.Total())

	history := recorder.History()
	require.Len(t, history, 1)
	hang := history[0]
	require.Equal(t, current.ID, hang.ID)
	require.False(t, hang.Ongoing)
	require.Equal(t, "major", hang.Severity)
	require.InDelta(t, 3.0, hang.DurationSeconds, 1e-9)
	require.NotNil(t, hang.RecoveredAt)
	require.Equal(t, hang.DetectedAt.Add(3*time.Second), *hang.RecoveredAt)

	require.Equal(t, 1, collector.hangs["major"])
	require.Equal(t, []observation{{severity: "major", duration: 3 * time.Second}}, collector.observations)
}

func TestRecorderIgnoresUnpairedEvents(t *testing.T) {
	recorder, clock, _ := newTestRecorder(t, 10)

	recorder.HangStopped()
	require.Empty(t, recorder.History())

	recorder.HangDetected()
	first := recorder.Current()
	clock.advance(time.Second)
	recorder.HangDetected()
	require.Equal(t, first, recorder.Current())

	clock.advance(500 * time.Millisecond)
	recorder.HangStopped()
	recorder.HangStopped()

	history := recorder.History()
	require.Len(t, history, 1)
	require.Equal(t, DefaultSeverity, history[0].Severity)
	require.InDelta(t, 1.5, history[0].DurationSeconds, 1e-9)
}

func TestRecorderHistoryIsBoundedAndNewestFirst(t *testing.T) {
	recorder, clock, _ := newTestRecorder(t, 3)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		recorder.HangDetected()
		ids = append(ids, recorder.Current().ID)
		clock.advance(time.Second)
		recorder.HangStopped()
	}
	recorder.HangDetected()
	open := recorder.Current().ID

	history := recorder.History()
	require.Len(t, history, 4)
	require.Equal(t, open, history[0].ID)
	require.True(t, history[0].Ongoing)
	require.Equal(t, []string{ids[4], ids[3], ids[2]}, []string{history[1].ID, history[2].ID, history[3].ID})
	require.Equal(t, uint64(5), recorder.Total())
}

func TestRecorderConfigureDiscardsOpenHang(t *testing.T) {
	recorder, _, collector := newTestRecorder(t, 10)

	recorder.HangDetected()
	require.True(t, collector.isActive())

	recorder.configure(zerolog.Nop(), nil, 2*time.Second)
	require.Nil(t, recorder.Current())
	require.False(t, collector.isActive())

	recorder.HangStopped()
	require.Empty(t, recorder.History())
	require.Empty(t, recorder.severities())
}
