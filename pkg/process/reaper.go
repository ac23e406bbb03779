package process

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ExitInfo is one reaped child's final status, handed to the state machine
// so it can classify normal-exit vs. crash vs. signalled.
type ExitInfo struct {
	PID       int
	ExitCode  int
	Signalled bool
	Signal    unix.Signal
}

// Reaper drains zombie children via a non-blocking wait loop, grounded
// directly on tuxgal-picoinit's zombieReaper: loop Wait4(-1, WNOHANG) until
// ECHILD, retrying on EINTR, rather than waiting on a specific PID. This is
// what lets a single event-loop tick reap every child that exited since the
// last tick, including ones this process didn't start itself (orphans
// re-parented to pid 1).
type Reaper struct {
	log *zap.Logger
}

// NewReaper creates a Reaper that logs unexpected wait errors through log.
func NewReaper(log *zap.Logger) *Reaper {
	return &Reaper{log: log}
}

// Reap performs one full non-blocking drain of the zombie queue, returning
// every child that exited since the last call.
func (r *Reaper) Reap() []ExitInfo {
	var out []ExitInfo
	for {
		var wstatus unix.WaitStatus
		pid, err := waitOnce()
		if err == unix.ECHILD {
			break
		}
		if err != nil {
			if r.log != nil {
				r.log.Error("wait4 failed", zap.Error(err))
			}
			break
		}
		if pid <= 0 {
			break
		}
		wstatus = lastWaitStatus
		out = append(out, classify(pid, wstatus))
	}
	return out
}

// lastWaitStatus is a package-local scratch variable written by waitOnce;
// Reap is only ever invoked from the single-threaded event loop so this
// is safe without additional synchronization.
var lastWaitStatus unix.WaitStatus

func waitOnce() (int, error) {
	for {
		var wstatus unix.WaitStatus
		pid, err := unix.Wait4(-1, &wstatus, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		lastWaitStatus = wstatus
		return pid, err
	}
}

func classify(pid int, wstatus unix.WaitStatus) ExitInfo {
	info := ExitInfo{PID: pid}
	if wstatus.Signaled() {
		info.Signalled = true
		info.Signal = wstatus.Signal()
		return info
	}
	info.ExitCode = wstatus.ExitStatus()
	return info
}
