// Package mainloop provides a serial task loop that plays the role of a
// program's main thread: every posted task runs on the same locked OS thread
// in submission order.
package mainloop

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned when work is submitted to a closed loop.
var ErrClosed = errors.New("mainloop: closed")

// Loop executes posted tasks one at a time on the goroutine running Run.
type Loop struct {
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   []func()
	closed  bool
	running bool
	wake    chan struct{}
}

// New creates an idle loop. Tasks posted before Run starts are kept.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		logger: logger.With().Str("component", "mainloop").Logger(),
		wake:   make(chan struct{}, 1),
	}
}

// Post enqueues task without blocking. Tasks posted after Close are dropped.
func (l *Loop) Post(task func()) {
	if task == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.tasks = append(l.tasks, task)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits until it returned or ctx ended.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Len reports the number of tasks waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Run executes tasks until ctx is cancelled or the loop is closed. Only one
// Run may be active at a time.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.running {
		l.mu.Unlock()
		return errors.New("mainloop: already running")
	}
	l.running = true
	l.mu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, ok := l.next()
		if ok {
			l.execute(task)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-l.wake:
			if !open {
				return nil
			}
		}
	}
}

// Close stops Run after the task in progress and drops queued tasks.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.tasks = nil
	close(l.wake)
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return task, true
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	task()
}
