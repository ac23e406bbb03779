// Package process is the Child Supervisor: the only code in this module
// permitted to fork, exec, or wait on a child process. Spawning is built on
// os/exec for argv/credential/rlimit/stdio plumbing (the same layer the
// teacher and tuxgal-picoinit both build on), but unlike the teacher this
// package never calls (*exec.Cmd).Wait — ownership of reaping belongs
// entirely to the WNOHANG loop in reaper.go, because a second waiter would
// race it for the same exit status.
package process

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Params describes everything needed to spawn one child, generalizing the
// configuration grammar's per-record process settings.
type Params struct {
	Argv       []string
	Dir        string
	Env        []string
	Stdin      *os.File
	Stdout     *os.File
	Stderr     *os.File
	Setsid     bool // new session, used for tty and non-demoted services
	Credential *syscall.Credential
	RLimits    []RLimit
}

// RLimit is a single resource limit that Spawn applies to the child with
// prlimit(2) after cmd.Start returns, so after the child has already
// exec'd its program, not before execve.
type RLimit struct {
	Resource int
	Cur, Max uint64
}

// Spawned is a live child process handle. Callers keep only its PID;
// Reap reports exits by PID and the event loop maps them back to records
// through the registry.
type Spawned struct {
	PID int
	cmd *exec.Cmd
}

// Spawn forks and execs a child according to params, returning a handle
// once the child has successfully started (post-fork, post-execve).
// It never waits for the child; the caller must feed the returned PID to a
// Reaper.
func Spawn(p Params) (*Spawned, error) {
	if len(p.Argv) == 0 {
		return nil, errors.New("spawn: empty argv")
	}

	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	attr := &syscall.SysProcAttr{
		Setsid:     p.Setsid,
		Credential: p.Credential,
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "spawning %q", p.Argv[0])
	}

	if len(p.RLimits) > 0 {
		if err := ApplyRLimits(cmd.Process.Pid, p.RLimits); err != nil {
			_ = cmd.Process.Kill()
			return nil, err
		}
	}

	return &Spawned{PID: cmd.Process.Pid, cmd: cmd}, nil
}

// ApplyRLimits sets resource limits on an already-started child via
// prlimit(2), from the parent rather than through a pre-exec hook. Spawn
// calls it once cmd.Start has returned, which is after the child's
// execve, so the limits do not cover the program's first instructions.
func ApplyRLimits(pid int, limits []RLimit) error {
	for _, l := range limits {
		rlim := unix.Rlimit{Cur: l.Cur, Max: l.Max}
		if err := unix.Prlimit(pid, l.Resource, &rlim, nil); err != nil {
			return errors.Wrapf(err, "prlimit resource %d on pid %d", l.Resource, pid)
		}
	}
	return nil
}

// Signal delivers a signal to the process (and, if toGroup is set, to its
// entire process group via a negated pid), grounded on the teacher's
// pkg/process SignalProcess.
func Signal(pid int, sig syscall.Signal, toGroup bool) error {
	target := pid
	if toGroup {
		target = -pid
	}
	if err := syscall.Kill(target, sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return errors.Wrapf(err, "signalling pid %d", pid)
	}
	return nil
}
