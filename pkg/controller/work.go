package controller

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/nvmpath/pkg/workqueue"
)

// pendingWork is a work item that holds a controller reference from the
// moment it is scheduled until it has run or been cancelled.
type pendingWork struct {
	ctrl  *Controller
	work  *workqueue.Work
	armed atomic.Bool
}

func newPendingWork(c *Controller, fn func()) *pendingWork {
	pw := &pendingWork{ctrl: c}
	pw.work = c.pool.NewWork(func() {
		if pw.armed.CompareAndSwap(true, false) {
			defer c.Put()
		}
		fn()
	})
	return pw
}

func (pw *pendingWork) schedule() bool {
	return pw.arm(pw.work.Schedule)
}

func (pw *pendingWork) scheduleAfter(d time.Duration) bool {
	return pw.arm(func() bool { return pw.work.ScheduleAfter(d) })
}

func (pw *pendingWork) arm(schedule func() bool) bool {
	if !pw.armed.CompareAndSwap(false, true) {
		return false
	}
	pw.ctrl.Get()
	if !schedule() {
		pw.armed.Store(false)
		pw.ctrl.Put()
		return false
	}
	return true
}

// cancel drops a pending run and waits for one in progress.
func (pw *pendingWork) cancel() {
	pw.work.CancelSync()
	if pw.armed.CompareAndSwap(true, false) {
		pw.ctrl.Put()
	}
}

func (pw *pendingWork) flush() {
	pw.work.Flush()
}
