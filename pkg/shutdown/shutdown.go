package shutdown

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ProcessKillGracePeriod is how long Execute waits between the SIGTERM
// broadcast and the SIGKILL sweep, mirroring the teacher's shutdown.go.
const ProcessKillGracePeriod = 1 * time.Second

// killFunc, syncFunc and rebootFunc are package-level so tests can
// substitute mocks without touching real process groups or the kernel's
// reboot syscall, the same indirection the teacher's shutdown.go uses.
var (
	killFunc = unix.Kill
	syncFunc = func() error {
		unix.Sync()
		return nil
	}
	rebootFunc = unix.Reboot
)

// Type identifies the terminal action Execute should take once every
// process is down.
type Type int

const (
	Halt Type = iota
	PowerOff
	Reboot
)

// Execute kills every process but this one, syncs filesystems, and issues
// the reboot(2) syscall matching typ. PID 1 must never return from this
// function: if the reboot syscall itself fails, it falls back to
// InfiniteHold rather than letting the runtime exit PID 1.
func Execute(typ Type, log *zap.Logger) {
	KillAllProcesses(log)
	if err := syncFunc(); err != nil {
		log.Warn("sync before shutdown failed", zap.Error(err))
	}
	if err := rebootSystem(typ); err != nil {
		log.Error("reboot syscall failed, holding instead of exiting", zap.Error(err))
		InfiniteHold()
	}
}

// KillAllProcesses broadcasts SIGTERM to every process but the caller,
// waits ProcessKillGracePeriod, then broadcasts SIGKILL to whatever is
// still alive. pid -1 in kill(2) means "every process the caller may
// signal", which on PID 1 is everything else in the system.
func KillAllProcesses(log *zap.Logger) {
	if err := killFunc(-1, unix.SIGTERM); err != nil {
		log.Debug("SIGTERM broadcast failed", zap.Error(err))
	}
	time.Sleep(ProcessKillGracePeriod)
	if err := killFunc(-1, unix.SIGKILL); err != nil {
		log.Debug("SIGKILL broadcast failed", zap.Error(err))
	}
}

func rebootSystem(typ Type) error {
	switch typ {
	case PowerOff:
		return rebootFunc(unix.LINUX_REBOOT_CMD_POWER_OFF)
	case Reboot:
		return rebootFunc(unix.LINUX_REBOOT_CMD_RESTART)
	default:
		return rebootFunc(unix.LINUX_REBOOT_CMD_HALT)
	}
}

// InfiniteHold parks the calling goroutine forever. PID 1 exiting panics
// the kernel, so this is the last-resort fallback when the reboot
// syscall itself cannot be issued.
func InfiniteHold() {
	select {}
}

// TypeForLevel maps a runlevel governor level to the Type Execute should
// use: level 0 powers off, level 6 reboots, anything else defaults to halt
// since Execute is only ever invoked for those two terminal levels.
func TypeForLevel(level int) Type {
	if level == 6 {
		return Reboot
	}
	if level == 0 {
		return PowerOff
	}
	return Halt
}
