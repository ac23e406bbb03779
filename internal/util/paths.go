package util

import "path/filepath"

// RunDir is the default base directory finisv uses for condition facts,
// implicit pidfiles, and its own single-instance lock.
const RunDir = "/run/finisv"

// CondDir returns the directory holding condition-fact files for the given
// run-dir, mirroring the legacy "<run-dir>/finit/cond" layout referenced by
// the spec's wire-format section.
func CondDir(runDir string) string {
	return filepath.Join(runDir, "finit", "cond")
}

// PidDir returns the directory implicit pidfiles are written to.
func PidDir(runDir string) string {
	return runDir
}

// LockPath returns the path of the single-instance advisory lock file.
func LockPath(runDir string) string {
	return filepath.Join(runDir, "finisv.lock")
}

// ImplicitPidFile returns the default pidfile path for a command basename.
func ImplicitPidFile(runDir, basename string) string {
	return filepath.Join(PidDir(runDir), basename+".pid")
}
