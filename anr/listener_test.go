package anr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := newRegistry()
	t.Cleanup(r.clear)
	l := newRecordingListener()

	require.True(t, r.add(l))
	require.False(t, r.add(l))
	require.Equal(t, 1, r.len())

	r.notifyDetected()
	l.expect(t, evDetected)
	l.expectNone(t)
}

func TestRegistryRemoveReturnsRemaining(t *testing.T) {
	r := newRegistry()
	t.Cleanup(r.clear)
	a := newRecordingListener()
	b := newRecordingListener()
	r.add(a)
	r.add(b)

	require.Equal(t, 1, r.remove(a))
	require.Equal(t, 1, r.remove(a))
	require.Equal(t, 0, r.remove(b))

	r.notifyDetected()
	a.expectNone(t)
	b.expectNone(t)
}

func TestRegistryPreservesOrderPerListener(t *testing.T) {
	r := newRegistry()
	t.Cleanup(r.clear)
	l := newRecordingListener()
	r.add(l)

	for i := 0; i < 5; i++ {
		r.notifyDetected()
		r.notifyStopped()
	}
	require.Eventually(t, func() bool { return len(l.history()) == 10 }, waitTimeout, time.Millisecond)
	for i, ev := range l.history() {
		if i%2 == 0 {
			require.Equal(t, evDetected, ev)
		} else {
			require.Equal(t, evStopped, ev)
		}
	}
}

func TestRegistrySlowListenerDoesNotBlockOthers(t *testing.T) {
	r := newRegistry()
	release := make(chan struct{})
	var slowCalls atomic.Int32
	slow := &ListenerFuncs{OnDetected: func() {
		slowCalls.Add(1)
		<-release
	}}
	fast := newRecordingListener()
	r.add(slow)
	r.add(fast)
	t.Cleanup(func() {
		close(release)
		r.clear()
	})

	r.notifyDetected()
	r.notifyStopped()

	fast.expect(t, evDetected)
	fast.expect(t, evStopped)
	require.Eventually(t, func() bool { return slowCalls.Load() == 1 }, waitTimeout, time.Millisecond)
}

func TestRegistryClearDropsPendingEvents(t *testing.T) {
	r := newRegistry()
	release := make(chan struct{})
	var stopped atomic.Int32
	l := &ListenerFuncs{
		OnDetected: func() { <-release },
		OnStopped:  func() { stopped.Add(1) },
	}
	r.add(l)

	r.notifyDetected()
	r.notifyStopped()
	r.clear()
	close(release)

	time.Sleep(quietPeriod)
	require.Zero(t, stopped.Load())
	require.Zero(t, r.len())
}

func TestListenerFuncsToleratesNilCallbacks(t *testing.T) {
	l := &ListenerFuncs{}
	l.HangDetected()
	l.HangStopped()
}

func TestRegistryIgnoresUncomparableListener(t *testing.T) {
	r := newRegistry()
	t.Cleanup(r.clear)
	group := listenerGroup{newRecordingListener()}

	require.NotPanics(t, func() {
		require.False(t, r.add(group))
		require.Zero(t, r.remove(group))
	})
	require.Zero(t, r.len())
}
