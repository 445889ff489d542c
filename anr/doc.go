// Package anr implements an application-not-responding watchdog.
//
// A Tracker owns a monitoring goroutine that posts heartbeat tasks to the
// monitored thread through a MainQueue, keeping one heartbeat outstanding at
// all times and checking it every fifth of the timeout. When a heartbeat
// stays pending for the timeout while the process is foregrounded the
// registered listeners receive HangDetected; once the same heartbeat finally
// runs they receive HangStopped. A check interval that spans SuspensionFactor
// times the timeout is attributed to the whole process being suspended and is
// ignored.
package anr
