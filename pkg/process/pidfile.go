package process

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// PIDResult classifies the liveness of a PID read from a pidfile, grounded
// on the teacher's pkg/process/pidfile.go three-way OK/Terminated/Failed
// split.
type PIDResult uint8

const (
	PIDLive PIDResult = iota
	PIDTerminated
	PIDPermissionDenied
)

// ReadPIDFile reads a pidfile written by a forking daemon (the sysv record
// kind) and probes its liveness with a signal-0 kill, the standard
// zero-cost existence check.
func ReadPIDFile(path string) (int, PIDResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "reading pidfile %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "parsing pidfile %s", path)
	}

	switch err := syscall.Kill(pid, 0); err {
	case nil:
		return pid, PIDLive, nil
	case syscall.ESRCH:
		return pid, PIDTerminated, nil
	case syscall.EPERM:
		return pid, PIDPermissionDenied, nil
	default:
		return pid, PIDTerminated, errors.Wrapf(err, "probing pid %d", pid)
	}
}

// WritePIDFile atomically writes pid to path (via a ".tmp" file and a
// rename). No supervisor code path calls it; only tests do.
func WritePIDFile(path string, pid int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return errors.Wrapf(err, "writing pidfile %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming pidfile into place %s", path)
	}
	return nil
}
