package anr

import (
	"reflect"
	"sync"
)

// Listener observes hang transitions. Implementations are stored by identity
// and must therefore be comparable; pointer receivers are the usual choice.
//
// Callbacks run on a goroutine dedicated to the listener, never on the
// monitored thread. Listeners that need main-thread affinity must hop there
// themselves.
type Listener interface {
	HangDetected()
	HangStopped()
}

// ListenerFuncs adapts a pair of functions to Listener. Use a pointer so the
// value is comparable.
type ListenerFuncs struct {
	OnDetected func()
	OnStopped  func()
}

// HangDetected calls OnDetected if set.
func (l *ListenerFuncs) HangDetected() {
	if l.OnDetected != nil {
		l.OnDetected()
	}
}

// HangStopped calls OnStopped if set.
func (l *ListenerFuncs) HangStopped() {
	if l.OnStopped != nil {
		l.OnStopped()
	}
}

// hashable reports whether l can be used as a map key.
func hashable(l Listener) bool {
	typ := reflect.TypeOf(l)
	return typ != nil && typ.Comparable()
}

type event uint8

const (
	eventDetected event = iota + 1
	eventStopped
)

// mailbox delivers events to one listener in order on its own goroutine.
type mailbox struct {
	listener Listener

	mu     sync.Mutex
	queue  []event
	closed bool
	wake   chan struct{}
}

func newMailbox(l Listener) *mailbox {
	mb := &mailbox{listener: l, wake: make(chan struct{}, 1)}
	go mb.deliver()
	return mb
}

func (mb *mailbox) push(ev event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.queue = append(mb.queue, ev)
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

// close drops undelivered events and ends the delivery goroutine.
func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	mb.queue = nil
	close(mb.wake)
}

func (mb *mailbox) next() (event, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed || len(mb.queue) == 0 {
		return 0, false
	}
	ev := mb.queue[0]
	mb.queue = mb.queue[1:]
	return ev, true
}

func (mb *mailbox) deliver() {
	for range mb.wake {
		for {
			ev, ok := mb.next()
			if !ok {
				break
			}
			switch ev {
			case eventDetected:
				mb.listener.HangDetected()
			case eventStopped:
				mb.listener.HangStopped()
			}
		}
	}
}

// registry is the lock-guarded listener set owned by a Tracker.
type registry struct {
	mu      sync.Mutex
	members map[Listener]*mailbox
}

func newRegistry() *registry {
	return &registry{members: make(map[Listener]*mailbox)}
}

// add inserts l and reports whether it was not yet registered. Listeners that
// are not comparable are never registered.
func (r *registry) add(l Listener) bool {
	if !hashable(l) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[l]; ok {
		return false
	}
	r.members[l] = newMailbox(l)
	return true
}

// remove deletes l and returns the number of remaining members.
func (r *registry) remove(l Listener) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !hashable(l) {
		return len(r.members)
	}
	if mb, ok := r.members[l]; ok {
		mb.close()
		delete(r.members, l)
	}
	return len(r.members)
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l, mb := range r.members {
		mb.close()
		delete(r.members, l)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// notify queues ev for every current member. Membership changes after the
// snapshot is taken apply to the next event.
func (r *registry) notify(ev event) {
	r.mu.Lock()
	boxes := make([]*mailbox, 0, len(r.members))
	for _, mb := range r.members {
		boxes = append(boxes, mb)
	}
	r.mu.Unlock()
	for _, mb := range boxes {
		mb.push(ev)
	}
}

func (r *registry) notifyDetected() { r.notify(eventDetected) }

func (r *registry) notifyStopped() { r.notify(eventStopped) }
