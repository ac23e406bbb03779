package service

import (
	"os"

	"github.com/finisv/finisv/pkg/process"
	"github.com/pkg/errors"
)

// bringUp dispatches to the kind-specific spawn strategy and records the
// resulting PID. Called with the record's lock held, from stepReady.
func (r *Record) bringUp() error {
	switch r.cfg.Kind {
	case KindOneshot:
		return r.bringUpOneshot()
	case KindInetd:
		return r.bringUpInetd()
	case KindTTY:
		return r.bringUpTTY()
	default:
		return r.bringUpProcess()
	}
}

// bringUpProcess spawns a long-running daemon (service-type records): no
// controlling terminal unless the configuration explicitly requests one,
// restarted automatically on exit per the record's restart policy.
func (r *Record) bringUpProcess() error {
	if len(r.cfg.Argv) == 0 {
		return errors.New("service has no command")
	}
	sp, err := process.Spawn(process.Params{
		Argv:   r.cfg.Argv,
		Dir:    r.cfg.Dir,
		Env:    r.cfg.Env,
		Stdin:  devNull(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Setsid: !r.cfg.Flags.NoSetsid,
	})
	if err != nil {
		return err
	}
	r.pid = sp.PID
	r.reg.RebindPID(r.key, 0, sp.PID)
	r.log.Info("started service", logFields(r)...)
	return nil
}

func devNull() *os.File {
	f, err := os.Open(os.DevNull)
	if err != nil {
		return nil
	}
	return f
}
