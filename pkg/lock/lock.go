// Package lock guards against two supervisor instances running against
// the same run directory at once, using an flock(2)-backed advisory lock
// the way diamondburned-cronmon's journal package guards its journal
// file, adapted from a journal file lock to a dedicated lockfile since
// this module has no single always-open file to piggyback on.
package lock

import (
	"os"

	"github.com/finisv/finisv/internal/util"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrHeldElsewhere is returned when another process already holds the
// run directory's lock.
var ErrHeldElsewhere = errors.New("run directory already locked by another instance")

// Instance holds the acquired lock for the lifetime of the supervisor
// process; Release drops it on shutdown.
type Instance struct {
	fl *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on "<runDir>/finisv.lock",
// creating runDir if necessary.
func Acquire(runDir string) (*Instance, error) {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating run directory")
	}

	fl := flock.New(util.LockPath(runDir))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring run directory lock")
	}
	if !locked {
		return nil, ErrHeldElsewhere
	}

	return &Instance{fl: fl}, nil
}

// Release drops the lock.
func (i *Instance) Release() error {
	return i.fl.Unlock()
}
