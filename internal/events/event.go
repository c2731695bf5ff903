// Package events delivers task status and progress to callers, one ordered
// queue per task, off the transporter's goroutines.
package events

import (
	"sync/atomic"

	"yhtransfer/internal/transfer/types"
)

// CallbackEvent is one observable change of a task. The receiver owns it
// and must call Release when done.
type CallbackEvent struct {
	TaskID   int64
	Status   types.Status
	Speed    int64
	Percent  int
	Fid      string
	ErrorMsg string
	// Class tells failures apart; ClassNone unless Status is TASKFAILED.
	// A wifi-only task that lost wifi mid-transfer fails with ClassPolicy
	// and must be resubmitted to wait for wifi again.
	Class    types.ErrorClass

	released atomic.Bool
}

// Callback receives events for one task, in order, on the dispatcher's
// goroutine for that task.
type Callback func(ev *CallbackEvent)

// Release drops the event's strings. Calling it more than once is a no-op.
func (e *CallbackEvent) Release() {
	if e == nil || !e.released.CompareAndSwap(false, true) {
		return
	}
	e.Fid = ""
	e.ErrorMsg = ""
}

// Released reports whether Release has been called.
func (e *CallbackEvent) Released() bool {
	return e != nil && e.released.Load()
}

// Terminal reports whether this is the last event of its task.
func (e *CallbackEvent) Terminal() bool {
	return e != nil && e.Status.Terminal()
}

// Clone returns an unreleased copy.
func (e *CallbackEvent) Clone() *CallbackEvent {
	return &CallbackEvent{
		TaskID:   e.TaskID,
		Status:   e.Status,
		Speed:    e.Speed,
		Percent:  e.Percent,
		Fid:      e.Fid,
		ErrorMsg: e.ErrorMsg,
		Class:    e.Class,
	}
}
