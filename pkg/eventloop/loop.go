// Package eventloop is the Event Loop: the top-level coordinator that
// turns OS signals and reaped child exits into calls against the Service
// Registry and Runlevel Governor. Grounded on the teacher's pkg/eventloop
// (the same context.Context-driven select loop over a signal channel),
// generalized to also own SIGCHLD reaping — the "Phase 6" work the
// teacher's own loop explicitly defers — since this module's Child
// Supervisor is not allowed to let os/exec's internal waiter steal exits.
package eventloop

import (
	"context"
	"os"
	"syscall"

	"github.com/finisv/finisv/pkg/process"
	"github.com/finisv/finisv/pkg/reconcile"
	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/runlevel"
	"github.com/finisv/finisv/pkg/service"
	"go.uber.org/zap"
)

// Loop is the central dispatcher. Its Run method is the only blocking
// call in the supervisor's main goroutine; the control server runs its own
// goroutines and reaches the registry through its internal locks, the same
// way the teacher's control connections reach ServiceSet directly rather
// than proxying through the loop. Inetd listeners are opened by their
// records but nothing accepts on them.
type Loop struct {
	reg    *registry.Registry
	reaper *process.Reaper
	rc     *reconcile.Reconciler
	gov    *runlevel.Governor
	log    *zap.Logger

	sigCh chan os.Signal

	shutdownInitiated bool
	doneCh            chan struct{}

	OnShutdownReady func(level int) // invoked once every record has stopped
}

// New creates a Loop over the given collaborators.
func New(reg *registry.Registry, reaper *process.Reaper, rc *reconcile.Reconciler, gov *runlevel.Governor, log *zap.Logger) *Loop {
	return &Loop{
		reg:    reg,
		reaper: reaper,
		rc:     rc,
		gov:    gov,
		log:    log,
		doneCh: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or a shutdown signal drains the
// registry to quiescence.
func (l *Loop) Run(ctx context.Context) error {
	l.sigCh = SetupSignals()
	defer StopSignals(l.sigCh)

	l.log.Info("event loop started", zap.Int("pid", os.Getpid()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.doneCh:
			return nil
		case sig := <-l.sigCh:
			l.handleSignal(sig)
		}

		if l.shutdownInitiated && l.allStopped() {
			l.log.Info("all records stopped, exiting event loop")
			if l.OnShutdownReady != nil {
				l.OnShutdownReady(l.gov.Current())
			}
			return nil
		}
	}
}

func (l *Loop) handleSignal(sig os.Signal) {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	switch sysSig {
	case syscall.SIGCHLD:
		l.reapChildren()
	case syscall.SIGHUP:
		l.log.Info("SIGHUP received, reloading configuration")
		if err := l.rc.Reload(); err != nil {
			l.log.Error("reload failed", zap.Error(err))
		}
	case syscall.SIGTERM:
		l.log.Info("SIGTERM received, halting")
		l.initiateShutdown(runlevel.LevelHalt)
	case syscall.SIGINT:
		if os.Getpid() == 1 {
			l.log.Info("SIGINT received on pid 1, rebooting")
			l.initiateShutdown(runlevel.LevelReboot)
		} else {
			l.initiateShutdown(runlevel.LevelHalt)
		}
	case syscall.SIGQUIT:
		l.log.Info("SIGQUIT received, halting")
		l.initiateShutdown(runlevel.LevelHalt)
	case syscall.SIGPWR:
		l.log.Warn("SIGPWR received (power event)")
	case syscall.SIGUSR1, syscall.SIGUSR2:
		l.log.Debug("received operator signal", zap.String("signal", sysSig.String()))
	}
}

// reapChildren drains every zombie and delivers each exit to the record
// that owns its PID, implementing the ordering guarantee that a SIGCHLD
// reaped for PID p is observed before any transition that could reuse p:
// NotifyExit runs synchronously, inline, before the reap loop continues
// to the next zombie.
func (l *Loop) reapChildren() {
	for _, exit := range l.reaper.Reap() {
		rec, ok := l.reg.ByPID(exit.PID)
		if !ok {
			continue // orphan re-parented to us, or an inetd connection handler
		}
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		sr.NotifyExit(exit)
	}
}

func (l *Loop) initiateShutdown(level int) {
	if l.shutdownInitiated {
		return
	}
	l.shutdownInitiated = true
	l.gov.Transition(level)
}

func (l *Loop) allStopped() bool {
	for _, rec := range l.reg.All() {
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		switch sr.State() {
		case service.Halted, service.Dead, service.Blocked, service.Crashed:
		default:
			return false
		}
	}
	return true
}

// Stop requests the loop exit its select loop immediately. Only tests
// call it; the control protocol has no command that reaches it.
func (l *Loop) Stop() {
	select {
	case <-l.doneCh:
	default:
		close(l.doneCh)
	}
}
