package config

import (
	"syscall"
	"time"

	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/service"
)

// ToKey returns the registry identity a ServiceDesc resolves to.
func (d *ServiceDesc) ToKey() registry.Key {
	return registry.Key{JobID: d.Name, InstanceID: d.InstanceID}
}

// ToConfig converts a parsed ServiceDesc into the runtime service.Config
// the state machine operates on. env is the global KEY=VALUE environment
// collected across the whole configuration tree, prepended so individual
// records inherit it the way child processes inherit finit's global
// environment file.
func (d *ServiceDesc) ToConfig(env []string) service.Config {
	cfg := service.Config{
		Kind:       d.Kind,
		Argv:       append([]string(nil), d.Argv...),
		Env:        append([]string(nil), env...),
		Levels:     d.Levels,
		Conditions: append([]string(nil), d.Conditions...),
		Flags:      d.Flags,
		Restart:    restartPolicyFor(d.Kind),
		RestartCap: 10,
		RestartWin: 60 * time.Second,
		KillSignal: killSignalOr(d.KillSignal, syscall.SIGTERM),
		KillWait:   5 * time.Second,
		PIDFile:    d.PIDFile,
		OriginFile: d.SourceFile,
		NoReconfig: d.NoReconfig,
		Serial:     d.Serial,
	}
	if d.Serial {
		// A run chain advances on the record reaching Halted and staying
		// there; Manual suppresses the implicit auto-rearm that would
		// otherwise collapse Halted->Waiting->Ready->Running into one
		// untraceable step.
		cfg.Flags.Manual = true
	}
	if d.Kind == service.KindProcess || d.Kind == service.KindTTY {
		cfg.AssertPath = "svc/" + assertName(d)
	}
	return cfg
}

// ToInetdState builds the listen configuration for an inetd-kind
// ServiceDesc. network is "tcp" or "udp" per d.InetdProto; address is
// used as given (the reconciler passes the service name verbatim, and no
// /etc/services lookup is made anywhere).
func (d *ServiceDesc) ToInetdState(address string) *service.InetdState {
	network := d.InetdProto
	if network == "" {
		network = "tcp"
	}
	st := &service.InetdState{Network: network, Address: address}
	if d.InetdIface != "" {
		st.Filters = []service.InetdFilter{{Action: service.FilterAllow, Interface: d.InetdIface}}
	}
	return st
}

func assertName(d *ServiceDesc) string {
	if len(d.Argv) == 0 {
		return d.Name
	}
	return d.Argv[0]
}

func restartPolicyFor(k service.Kind) service.RestartPolicy {
	switch k {
	case service.KindProcess, service.KindTTY:
		return service.RestartAlways
	default:
		return service.RestartNever
	}
}

func killSignalOr(sig syscall.Signal, fallback syscall.Signal) syscall.Signal {
	if sig == 0 {
		return fallback
	}
	return sig
}
