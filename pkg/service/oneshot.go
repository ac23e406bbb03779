package service

import (
	"os"

	"github.com/finisv/finisv/pkg/process"
	"github.com/pkg/errors"
)

// bringUpOneshot spawns a task/run/sysv-type record: it runs to
// completion and does not respawn on exit, matching the configuration
// grammar's "task" and "run" directives and a plain sysv init script
// invoked with a single argument ("start").
//
// A sysv record's configured PIDFile is not read anywhere: the record
// tracks only the script runner's own PID, not the PID of a daemon the
// script forks away, and nothing watches the pidfile to assert the
// record's condition when the daemon writes it.
func (r *Record) bringUpOneshot() error {
	if len(r.cfg.Argv) == 0 {
		return errors.New("oneshot has no command")
	}
	sp, err := process.Spawn(process.Params{
		Argv:   r.cfg.Argv,
		Dir:    r.cfg.Dir,
		Env:    r.cfg.Env,
		Stdin:  devNull(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Setsid: true,
	})
	if err != nil {
		return err
	}
	r.pid = sp.PID
	r.reg.RebindPID(r.key, 0, sp.PID)
	r.log.Info("ran task", logFields(r)...)
	return nil
}
