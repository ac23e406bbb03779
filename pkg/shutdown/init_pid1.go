// Package shutdown implements PID 1 initialization and final shutdown:
// console setup, Ctrl+Alt+Del disablement, child-subreaper registration,
// killing stragglers, syncing, and issuing the reboot syscall. Grounded
// directly on the teacher's pkg/shutdown, which covers the same Linux-PID-1
// boilerplate regardless of which supervisor sits on top of it.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const prSetChildSubreaper = 36

// InitPID1 performs early PID-1-only initialization. Every step is
// best-effort and non-fatal: a supervisor that can't claim /dev/console
// or the subreaper flag should still boot as far as it can.
func InitPID1(log *zap.Logger) {
	if err := setupConsole(); err != nil {
		log.Debug("console setup failed (non-fatal)", zap.Error(err))
	}
	if err := disableCAD(); err != nil {
		log.Debug("disable Ctrl+Alt+Del failed (non-fatal)", zap.Error(err))
	}
	if err := SetChildSubreaper(); err != nil {
		log.Debug("set child subreaper failed (non-fatal)", zap.Error(err))
	}
	ignoreTerminalSignals()
}

func setupConsole() error {
	r, err := os.OpenFile("/dev/console", os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := syscall.Dup2(int(r.Fd()), 0); err != nil {
		return err
	}

	w, err := os.OpenFile("/dev/console", os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := syscall.Dup2(int(w.Fd()), 1); err != nil {
		return err
	}
	return syscall.Dup2(int(w.Fd()), 2)
}

func disableCAD() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_CAD_OFF)
}

// SetChildSubreaper marks this process as a subreaper (prctl(2)) so
// orphaned descendants reparent here instead of to the kernel's true
// PID 1 — relevant only in a container/namespace where this process is
// itself not PID 1 but still acts as the namespace's init.
func SetChildSubreaper() error {
	_, _, errno := syscall.Syscall(syscall.SYS_PRCTL, prSetChildSubreaper, 1, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ignoreTerminalSignals() {
	for _, sig := range []syscall.Signal{syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGPIPE} {
		signal.Ignore(sig)
	}
}
