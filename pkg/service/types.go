// Package service implements the Service State Machine: the per-record FSM
// that tracks a single configured service through its lifecycle, plus the
// concrete process/oneshot/inetd/tty record kinds that drive real process
// behaviour under it. The FSM shape is adapted from the teacher's
// pkg/service (its propagation queues are replaced by direct Step calls),
// generalized from dinit's
// dependency-DAG model to the condition-fact conjunction model the
// configuration grammar actually expresses.
package service

import "github.com/finisv/finisv/pkg/registry"

// State is a record's position in the lifecycle state machine.
type State uint8

const (
	Halted State = iota
	Waiting
	Ready
	Running
	Stopping
	Crashed
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Halted:
		return "halted"
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state machine takes no further automatic
// action from this state without an external event (a condition change, an
// explicit start/stop, or deletion during reconciliation).
func (s State) Terminal() bool {
	switch s {
	case Halted, Running, Crashed, Blocked, Dead:
		return true
	default:
		return false
	}
}

// Kind distinguishes the four record kinds the configuration grammar can
// declare. Each kind has its own BringUp/BringDown behaviour layered on top
// of the shared FSM in record.go.
type Kind uint8

const (
	KindProcess Kind = iota // service: long-running daemon, respawned on exit
	KindOneshot              // task/run/sysv: runs to completion, does not respawn
	KindInetd                // inetd: socket-activated, spawned per connection
	KindTTY                  // tty: getty wrapper, respawned like KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindOneshot:
		return "oneshot"
	case KindInetd:
		return "inetd"
	case KindTTY:
		return "tty"
	default:
		return "unknown"
	}
}

// RestartPolicy controls whether and how a record is respawned after its
// process exits. Grounded on the teacher's AutoRestartMode, trimmed to the
// vocabulary the configuration grammar supports (no "on-failure vs always"
// distinction in the original — finit's :restart / nocrash flags are
// binary).
type RestartPolicy uint8

const (
	RestartAlways RestartPolicy = iota
	RestartNever
)

func (p RestartPolicy) String() string {
	if p == RestartNever {
		return "never"
	}
	return "always"
}

// Event is a request delivered to a record's FSM, either from the external
// API, the runlevel governor, or the record's own condition subscription
// callback.
type Event uint8

const (
	EventStartRequested Event = iota
	EventStopRequested
	EventConditionsMet
	EventConditionsLost
	EventProcessExited
	EventReleaseRequested
)

func (e Event) String() string {
	switch e {
	case EventStartRequested:
		return "start-requested"
	case EventStopRequested:
		return "stop-requested"
	case EventConditionsMet:
		return "conditions-met"
	case EventConditionsLost:
		return "conditions-lost"
	case EventProcessExited:
		return "process-exited"
	case EventReleaseRequested:
		return "release-requested"
	default:
		return "unknown"
	}
}

// StoppedReason records why a running process is no longer running, mirrors
// the teacher's StoppedReason vocabulary.
type StoppedReason uint8

const (
	StoppedNormally StoppedReason = iota
	StoppedCrashed
	StoppedByRequest
	StoppedDependency
)

func (r StoppedReason) String() string {
	switch r {
	case StoppedNormally:
		return "normal-exit"
	case StoppedCrashed:
		return "crashed"
	case StoppedByRequest:
		return "stopped-by-request"
	case StoppedDependency:
		return "dependency-unavailable"
	default:
		return "unknown"
	}
}

// Flags carries the per-record boolean toggles the configuration grammar
// can set: :manual, :nowarn, :nologin (tty), :nocrash, :nosetsid.
type Flags struct {
	Manual   bool
	NoWarn   bool
	NoLogin  bool
	NoCrash  bool
	NoSetsid bool
}

// Identity returns the registry key for a record with the given job and
// instance id, factored out so both record.go and the config loader build
// keys identically.
func Identity(jobID, instanceID string) registry.Key {
	return registry.Key{JobID: jobID, InstanceID: instanceID}
}
