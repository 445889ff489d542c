package anr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/hangwatch/telemetry"
)

const (
	testTimeout = 5 * time.Second
	waitTimeout = time.Second
	quietPeriod = 50 * time.Millisecond
)

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if !at.After(c.now) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, clockWaiter{at: at, ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}

func (c *fakeClock) waiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// awaitWaiters blocks until the loop armed at least n deadlines, so that a
// following Advance is guaranteed to fire them.
func (c *fakeClock) awaitWaiters(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.waiterCount() >= n }, waitTimeout, time.Millisecond)
}

// fakeQueue records posted heartbeats. beforeRun is called synchronously from
// Post with the zero based invocation count and decides whether the task runs
// right away or stays pending until runPending.
type fakeQueue struct {
	mu          sync.Mutex
	beforeRun   func(invocation int) bool
	pending     []func()
	invocations int
	posted      chan int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{posted: make(chan int, 256)}
}

func (q *fakeQueue) setBeforeRun(fn func(invocation int) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.beforeRun = fn
}

func (q *fakeQueue) Post(task func()) {
	q.mu.Lock()
	n := q.invocations
	q.invocations++
	hook := q.beforeRun
	q.mu.Unlock()

	if hook != nil && hook(n) {
		task()
	} else {
		q.mu.Lock()
		q.pending = append(q.pending, task)
		q.mu.Unlock()
	}
	select {
	case q.posted <- n:
	default:
	}
}

func (q *fakeQueue) runPending() int {
	q.mu.Lock()
	tasks := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.invocations
}

func (q *fakeQueue) awaitPost(t *testing.T) int {
	t.Helper()
	select {
	case n := <-q.posted:
		return n
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a heartbeat to be posted")
		return -1
	}
}

const (
	evDetected = "detected"
	evStopped  = "stopped"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
	ch     chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{ch: make(chan string, 64)}
}

func (l *recordingListener) HangDetected() { l.record(evDetected) }

func (l *recordingListener) HangStopped() { l.record(evStopped) }

func (l *recordingListener) record(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

func (l *recordingListener) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-l.ch:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func (l *recordingListener) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-l.ch:
		t.Fatalf("unexpected %s notification", got)
	case <-time.After(quietPeriod):
	}
}

func (l *recordingListener) history() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) count(ev string) int {
	n := 0
	for _, got := range l.history() {
		if got == ev {
			n++
		}
	}
	return n
}

// recordingCollector exposes heartbeat check outcomes on a channel.
type recordingCollector struct {
	checks chan string
}

var _ telemetry.Collector = (*recordingCollector)(nil)

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{checks: make(chan string, 256)}
}

func (c *recordingCollector) IncHotReload(string) {}

func (c *recordingCollector) IncHeartbeatCheck(outcome string) {
	select {
	case c.checks <- outcome:
	default:
	}
}

func (c *recordingCollector) IncHang(string) {}

func (c *recordingCollector) ObserveHangDuration(string, time.Duration) {}

func (c *recordingCollector) SetHangActive(bool) {}

func (c *recordingCollector) expectCheck(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.checks:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s check", want)
	}
}

type fixture struct {
	clock     *fakeClock
	queue     *fakeQueue
	collector *recordingCollector
	tracker   *Tracker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:     newFakeClock(),
		queue:     newFakeQueue(),
		collector: newRecordingCollector(),
	}
	base := []Option{WithClock(f.clock), WithTelemetry(f.collector)}
	tracker, err := New(testTimeout, f.queue, append(base, opts...)...)
	require.NoError(t, err)
	f.tracker = tracker
	t.Cleanup(tracker.Clear)
	return f
}

// blockMainThread makes every heartbeat stay pending while the clock jumps
// by d, like a main thread that is stuck for d.
func (f *fixture) blockMainThread(d time.Duration) {
	f.queue.setBeforeRun(func(int) bool {
		f.clock.Advance(d)
		return false
	})
}
