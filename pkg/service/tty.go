package service

import (
	"os"

	"github.com/finisv/finisv/pkg/process"
	"github.com/pkg/errors"
)

// bringUpTTY spawns a getty-style record: like a long-running service it
// is respawned on exit, but it additionally owns its controlling terminal
// (the device named by the record's last argv element, see openTTY) for
// stdin/stdout/stderr, and is skipped entirely when the :nologin flag is
// set, the configuration grammar's switch for disabling a line without
// removing its declaration.
func (r *Record) bringUpTTY() error {
	if r.cfg.Flags.NoLogin {
		return errors.New("tty line disabled (nologin)")
	}
	if len(r.cfg.Argv) == 0 {
		return errors.New("tty record has no command")
	}

	dev, err := openTTY(r.cfg.Argv)
	if err != nil {
		return errors.Wrap(err, "opening tty device")
	}

	sp, err := process.Spawn(process.Params{
		Argv:   r.cfg.Argv,
		Dir:    r.cfg.Dir,
		Env:    r.cfg.Env,
		Stdin:  dev,
		Stdout: dev,
		Stderr: dev,
		Setsid: true,
	})
	if err != nil {
		dev.Close()
		return err
	}
	r.pid = sp.PID
	r.reg.RebindPID(r.key, 0, sp.PID)
	r.log.Info("started getty", logFields(r)...)
	return nil
}

// openTTY opens the device path conventionally passed as the tty record's
// device argument (argv[len-1], e.g. "/dev/tty1"), falling back to
// /dev/console when that element is not an absolute path.
func openTTY(argv []string) (*os.File, error) {
	path := argv[len(argv)-1]
	if len(path) == 0 || path[0] != '/' {
		return os.OpenFile("/dev/console", os.O_RDWR, 0)
	}
	return os.OpenFile(path, os.O_RDWR, 0)
}
