// Package bootstrap runs the handful of global, first-boot-only actions
// a configuration's bootstrap-level directives describe: setting the
// hostname, loading kernel modules, running a network bring-up script,
// and running a runparts directory. None of these are reimplemented as
// subsystems here — each is a single os/exec call or syscall, the
// narrow boundary the core calls into, grounded on the teacher's own
// preference for thin os/exec invocations over embedded logic wherever
// the work belongs to an external program.
package bootstrap

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/finisv/finisv/pkg/config"
	"go.uber.org/zap"
)

// Apply runs every bootstrap-only directive in settings, in the order
// finit documents: hostname, modules, network script, runparts.
func Apply(settings *config.GlobalSettings, log *zap.Logger) {
	if settings == nil {
		return
	}
	applyHostname(settings.Hostname, log)
	loadModules(settings.Modules, log)
	runNetworkScript(settings.NetworkScript, log)
	for _, dir := range settings.RunpartsDirs {
		runParts(dir, log)
	}
}

func applyHostname(name string, log *zap.Logger) {
	if name == "" {
		return
	}
	if _, err := os.Stat("/etc/hostname"); err == nil {
		return // directive only applies when /etc/hostname is absent
	}
	if err := syscall.Sethostname([]byte(name)); err != nil {
		log.Warn("setting hostname failed", zap.String("hostname", name), zap.Error(err))
		return
	}
	log.Info("hostname set", zap.String("hostname", name))
}

func loadModules(modules [][]string, log *zap.Logger) {
	for _, argv := range modules {
		if len(argv) == 0 {
			continue
		}
		cmd := exec.Command("modprobe", argv...)
		if err := cmd.Run(); err != nil {
			log.Warn("module load failed", zap.Strings("argv", argv), zap.Error(err))
		}
	}
}

func runNetworkScript(path string, log *zap.Logger) {
	if path == "" {
		return
	}
	cmd := exec.Command(path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Warn("network bring-up script failed", zap.String("path", path), zap.Error(err))
	}
}

func runParts(dir string, log *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debug("runparts directory unavailable", zap.String("dir", dir), zap.Error(err))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		cmd := exec.Command(path)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			log.Warn("runparts script failed", zap.String("path", path), zap.Error(err))
		}
	}
}
