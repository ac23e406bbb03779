// Package runlevel implements the Runlevel Governor: tracking the
// supervisor's current and previous level, serializing transitions between
// them, and arming the final reboot/poweroff syscall for levels 0 and 6.
// Grounded on the teacher's pkg/shutdown reboot-syscall mapping, since the
// teacher itself (dinit) has no runlevel concept — only a flat
// running/stopped boot target — so the level-transition bookkeeping here
// has no direct teacher analogue beyond the syscalls it ends in. The
// drain-then-advance sequencing is event-driven rather than polled, to
// honor the event loop's "no blocking handler" scheduling model: a
// transition arms a grace timer and otherwise waits for
// ServiceStateChanged callbacks to tell it the registry has settled.
package runlevel

import (
	"sync"
	"time"

	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/service"
	"github.com/finisv/finisv/pkg/shutdown"
	"go.uber.org/zap"
)

const (
	LevelHalt   = 0
	LevelReboot = 6
)

// GraceDefault is the bounded wait for all ineligible records to reach
// Halted before the governor proceeds to start newly eligible ones.
const GraceDefault = 10 * time.Second

// Governor owns the current/previous level pair and drives a level
// transition across every record in the registry.
type Governor struct {
	mu      sync.Mutex
	current int
	prev    int

	reg   *registry.Registry
	log   *zap.Logger
	Grace time.Duration

	pending     bool
	graceTimer  *time.Timer
	onFinalized func(level int) // test hook / event loop hookup

	// runChain holds the queued "run" stanzas for the level transition in
	// progress, in declaration order; runActive is the one currently
	// running. Both are nil outside a transition's run-ordering phase.
	runChain  []*service.Record
	runActive *service.Record

	shutdownFunc func(typ shutdown.Type, log *zap.Logger)
}

// New creates a Governor starting at the given level (cmd/finisv passes
// the bootstrap level 1 and then transitions to the configured default).
func New(reg *registry.Registry, log *zap.Logger, defaultLevel int) *Governor {
	g := &Governor{
		current: defaultLevel,
		prev:    defaultLevel,
		reg:     reg,
		log:     log,
		Grace:   GraceDefault,
	}
	g.shutdownFunc = func(typ shutdown.Type, log *zap.Logger) {
		log.Info("runlevel reached a terminal level; not PID 1, leaving the kernel alone")
	}
	return g
}

// SetShutdownFunc overrides the action finalize takes for levels 0 and 6.
// cmd/finisv wires this to shutdown.Execute only when running as PID 1;
// a non-PID-1 instance should never issue the kernel's reboot syscall.
func (g *Governor) SetShutdownFunc(fn func(typ shutdown.Type, log *zap.Logger)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownFunc = fn
}

// Current returns the active runlevel.
func (g *Governor) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Previous returns the level the supervisor was at before the most
// recent transition.
func (g *Governor) Previous() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prev
}

// OnFinalized installs a callback invoked once a transition's start
// phase has been issued and any run-stanza chain has finished (or, for
// levels 0/6, once the reboot syscall attempt has returned). Only tests
// install one; control-socket ACKs are not gated on it per the wire
// protocol's fire-and-forget runlevel-change semantics.
func (g *Governor) OnFinalized(fn func(level int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFinalized = fn
}

// Transition begins moving the supervisor to newLevel. It stops every
// record ineligible at the new level and returns immediately; ServiceStateChanged
// (registered as a pkg/service.Listener on every record by the caller)
// drives the rest of the sequence as exits are observed, bounded by
// Grace via a timer armed here.
func (g *Governor) Transition(newLevel int) {
	g.mu.Lock()
	g.prev = g.current
	g.current = newLevel
	g.pending = true
	g.mu.Unlock()

	for _, rec := range g.reg.All() {
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		switch sr.State() {
		case service.Running, service.Waiting, service.Ready:
			sr.Step(service.EventConditionsLost)
		}
	}

	g.mu.Lock()
	g.graceTimer = time.AfterFunc(g.Grace, g.graceExpired)
	g.mu.Unlock()

	if g.allSettled() {
		g.finalize(newLevel)
	}
}

// ServiceStateChanged implements pkg/service.Listener: every record state
// change is a candidate "the registry may have just settled" event.
func (g *Governor) ServiceStateChanged(key registry.Key, _, to service.State) {
	g.mu.Lock()
	pending := g.pending
	lvl := g.current
	active := g.runActive
	g.mu.Unlock()

	if active != nil && active.Key() == key && isTerminalRunState(to) {
		g.advanceRunChain()
		return
	}

	if pending && g.allSettled() {
		g.finalize(lvl)
	}
}

func (g *Governor) graceExpired() {
	g.mu.Lock()
	pending := g.pending
	lvl := g.current
	g.mu.Unlock()
	if !pending {
		return
	}
	g.log.Warn("runlevel transition grace period expired with records still stopping")
	g.finalize(lvl)
}

func (g *Governor) finalize(newLevel int) {
	g.mu.Lock()
	if !g.pending {
		g.mu.Unlock()
		return
	}
	g.pending = false
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	cb := g.onFinalized
	shutdownFn := g.shutdownFunc
	g.mu.Unlock()

	if newLevel == LevelHalt || newLevel == LevelReboot {
		shutdownFn(shutdown.TypeForLevel(newLevel), g.log)
		if cb != nil {
			cb(newLevel)
		}
		return
	}

	serial, rest := splitRunChain(g.reg.All())
	for _, sr := range rest {
		sr.Step(service.EventConditionsMet)
	}

	if len(serial) == 0 {
		if cb != nil {
			cb(newLevel)
		}
		return
	}
	g.mu.Lock()
	g.runChain = serial
	g.mu.Unlock()
	g.advanceRunChain()
}

func (g *Governor) allSettled() bool {
	for _, rec := range g.reg.All() {
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		switch sr.State() {
		case service.Halted, service.Dead, service.Blocked, service.Crashed:
		default:
			return false
		}
	}
	return true
}
