package anr

// MainQueue schedules work on the monitored thread.
//
// Post must not block until the task has run; the task may never run at all
// if the monitored thread is stuck. Every posted task belongs to exactly one
// heartbeat.
type MainQueue interface {
	Post(task func())
}

// MainQueueFunc adapts a plain function to MainQueue.
type MainQueueFunc func(task func())

// Post calls f(task).
func (f MainQueueFunc) Post(task func()) {
	f(task)
}
