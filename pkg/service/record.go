package service

import (
	"sync"
	"syscall"
	"time"

	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/process"
	"github.com/finisv/finisv/pkg/registry"
	"go.uber.org/zap"
)

// Listener is notified of a record's state transitions, the generalization
// of the teacher's ServiceListener to the condition-conjunction model: it
// carries the new state rather than a dinit-style propagation event.
type Listener interface {
	ServiceStateChanged(key registry.Key, from, to State)
}

// Config is the immutable, parse-derived description of one record. It is
// rebuilt by the config loader on every reload; Record holds one by value
// and replaces it wholesale when a "changed" record accepts reconfiguration
// without a stop/start cycle.
type Config struct {
	Kind       Kind
	Argv       []string
	Dir        string
	Env        []string
	Levels     uint16
	Conditions []string // paths that must all be On for WAITING -> READY
	AssertPath string   // svc/<cmd> fact this record sets while Running
	Flags      Flags
	Restart    RestartPolicy
	RestartCap int           // N: max exits inside RestartWindow before BLOCKED
	RestartWin time.Duration // W
	KillSignal syscall.Signal
	KillWait   time.Duration
	PIDFile    string // set only for sysv-style forking daemons
	OriginFile string
	NoReconfig bool // leading '!' in <...>: must stop+start on change, cannot take a live signal
	Serial     bool // "run" stanzas: one at a time, in declaration order, within a level
	Seq        int  // declaration order across the parsed configuration; orders Serial records
}

// Record is one configured service's complete runtime state: the shared
// FSM fields the teacher's ServiceRecord carries, adapted from a
// dependency-DAG graph node to a condition-fact subscriber.
type Record struct {
	mu sync.Mutex

	key registry.Key
	cfg Config

	state   State
	pid     int
	reason  StoppedReason
	markDel bool // sweep marked this record's origin file gone; delete on reaching Halted

	exitTimes []time.Time // ring of recent exit timestamps, for restart-window accounting

	killTimer  *time.Timer
	backoffTil time.Time

	inetd *InetdState

	store     *cond.Store
	reg       *registry.Registry
	reaper    *process.Reaper
	log       *zap.Logger
	listeners []Listener

	currentLevel func() int // governor callback, avoids an import cycle with pkg/runlevel
}

// New creates a Record in Halted state. The caller (the config loader) is
// responsible for calling Activate once the record has been added to the
// registry and subscribed to its conditions.
func New(key registry.Key, cfg Config, store *cond.Store, reg *registry.Registry, reaper *process.Reaper, log *zap.Logger, currentLevel func() int) *Record {
	return &Record{
		key:          key,
		cfg:          cfg,
		state:        Halted,
		store:        store,
		reg:          reg,
		reaper:       reaper,
		log:          log,
		currentLevel: currentLevel,
	}
}

// Key, OriginFile, PID implement registry.Record.
func (r *Record) Key() registry.Key    { return r.key }
func (r *Record) OriginFile() string   { r.mu.Lock(); defer r.mu.Unlock(); return r.cfg.OriginFile }
func (r *Record) PID() int             { r.mu.Lock(); defer r.mu.Unlock(); return r.pid }

// State returns the record's current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Config returns a copy of the record's current configuration.
func (r *Record) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// AddListener registers a state-change observer.
func (r *Record) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Activate subscribes the record to each of its gating conditions and
// performs the initial HALTED -> WAITING step if eligible. Called once
// after the record is inserted into the registry.
func (r *Record) Activate() {
	for _, c := range r.cfg.Conditions {
		r.store.Subscribe(c, r)
	}
	if r.cfg.Serial {
		// A "run" stanza's first start is issued by the runlevel
		// governor's chain, in declaration order, not here: an explicit
		// start-requested would bypass the Manual gate that exists
		// precisely to hold it at Halted until its turn.
		r.Step(EventConditionsMet)
		return
	}
	r.Step(EventStartRequested)
}

// ConditionChanged implements cond.Subscriber; the Condition Store invokes
// this for every fact this record is subscribed to.
func (r *Record) ConditionChanged(path string, state cond.State) {
	if state == cond.On {
		r.Step(EventConditionsMet)
	} else {
		r.Step(EventConditionsLost)
	}
}

// eligible reports whether the current runlevel is in this record's mask
// and the record hasn't been deleted, per invariant 3 of the state
// machine design notes.
func (r *Record) eligible() bool {
	if r.markDel {
		return false
	}
	if r.cfg.Kind == KindTTY && r.cfg.Flags.NoLogin {
		return false
	}
	lvl := r.currentLevel()
	return r.cfg.Levels&(1<<uint(lvl)) != 0
}

// Eligible is the exported form of eligible, for callers outside this
// package (the runlevel governor's run-chain sequencing) that need to
// filter candidates without duplicating the runlevel-mask bookkeeping.
func (r *Record) Eligible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eligible()
}

// manualGate reports whether a manual:yes record may transition out of
// Halted without an explicit start request. Resolved open question: the
// flag gates eligibility itself, not merely automatic restart.
func (r *Record) manualGate(explicit bool) bool {
	return !r.cfg.Flags.Manual || explicit
}

// Step drives the FSM with one event, holding the record's lock for the
// duration of the transition. Callers run on several goroutines (the
// event loop, control connections, the record's own kill timer and the
// governor's grace timer); the lock is what keeps one transition from
// interleaving with another for the same record.
func (r *Record) Step(ev Event) {
	r.mu.Lock()
	from := r.state
	r.stepLocked(ev)
	to := r.state
	r.mu.Unlock()

	if from != to {
		for _, l := range r.listeners {
			l.ServiceStateChanged(r.key, from, to)
		}
	}
}

func (r *Record) stepLocked(ev Event) {
	switch r.state {
	case Halted:
		r.stepHalted(ev)
	case Waiting:
		r.stepWaiting(ev)
	case Ready:
		r.stepReady(ev)
	case Running:
		r.stepRunning(ev)
	case Stopping:
		r.stepStopping(ev)
	case Crashed:
		r.stepCrashed(ev)
	case Blocked:
		r.stepBlocked(ev)
	case Dead:
		// terminal; no further transitions.
	}
}

func (r *Record) stepHalted(ev Event) {
	switch ev {
	case EventReleaseRequested:
		if r.markDel {
			r.state = Dead
			return
		}
	case EventStartRequested, EventConditionsMet:
		explicit := ev == EventStartRequested
		if r.eligible() && r.manualGate(explicit) {
			r.state = Waiting
			r.stepWaiting(EventConditionsMet) // re-check immediately; may fall through to Ready
		}
	}
}

func (r *Record) stepWaiting(ev Event) {
	if !r.eligible() {
		r.state = Halted
		return
	}
	if r.store.Satisfied(r.cfg.Conditions) {
		r.state = Ready
		r.stepReady(EventConditionsMet) // READY -> RUNNING is immediate per design
	}
}

func (r *Record) stepReady(Event) {
	if err := r.bringUp(); err != nil {
		r.log.Warn("start failed", zap.String("service", r.key.String()), zap.Error(err))
		r.recordExit()
		r.afterFailure()
		return
	}
	r.state = Running
	if r.cfg.AssertPath != "" {
		r.store.Set(r.cfg.AssertPath)
	}
}

func (r *Record) stepRunning(ev Event) {
	switch ev {
	case EventStopRequested, EventConditionsLost:
		r.beginStop()
	case EventProcessExited:
		r.onExit()
	default:
		if !r.eligible() {
			r.beginStop()
		}
	}
}

func (r *Record) stepStopping(ev Event) {
	switch ev {
	case EventProcessExited:
		r.cancelKillTimer()
		r.clearAssert()
		r.state = Halted
		if r.markDel {
			r.state = Dead
			return
		}
		r.stepHalted(EventConditionsMet)
	default:
		// kill-deadline expiry is delivered as EventStopRequested a second
		// time by the record's own kill timer (armKillTimer); escalate to SIGKILL.
		if ev == EventStopRequested {
			r.escalateKill()
		}
	}
}

func (r *Record) stepCrashed(ev Event) {
	if ev == EventConditionsMet || ev == EventStartRequested {
		if time.Now().After(r.backoffTil) {
			r.state = Waiting
			r.stepWaiting(EventConditionsMet)
		}
	}
}

func (r *Record) stepBlocked(ev Event) {
	if ev == EventStartRequested {
		r.exitTimes = nil
		r.state = Halted
		r.stepHalted(EventStartRequested)
	}
}

// onExit handles a reaped child's exit while Running, classifying it per
// the record's kind and driving the transition table's crash/restart-cap
// logic.
func (r *Record) onExit() {
	r.clearAssert()
	r.recordExit()

	if r.cfg.Kind == KindOneshot {
		if r.reason == StoppedNormally {
			r.state = Halted
			r.stepHalted(EventConditionsMet)
			return
		}
		r.afterFailure()
		return
	}

	if r.cfg.Restart == RestartNever {
		r.state = Halted
		r.stepHalted(EventConditionsMet)
		return
	}
	r.afterFailure()
}

// afterFailure applies the restart-window cap: too many exits inside the
// window blocks the record pending operator intervention; otherwise it
// enters Crashed with a backoff timer armed.
func (r *Record) afterFailure() {
	if r.exceedsRestartCap() {
		r.state = Blocked
		r.log.Error("restart storm, blocking service",
			zap.String("service", r.key.String()),
			zap.Int("exits", len(r.exitTimes)),
			zap.Duration("window", r.cfg.RestartWin))
		return
	}
	r.state = Crashed
	r.backoffTil = time.Now().Add(backoffDelay(len(r.exitTimes)))
}

func (r *Record) recordExit() {
	now := time.Now()
	r.exitTimes = append(r.exitTimes, now)
	cutoff := now.Add(-r.cfg.RestartWin)
	kept := r.exitTimes[:0]
	for _, t := range r.exitTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.exitTimes = kept
}

func (r *Record) exceedsRestartCap() bool {
	capN := r.cfg.RestartCap
	if capN <= 0 {
		capN = defaultRestartCap
	}
	return len(r.exitTimes) > capN
}

func backoffDelay(exitCount int) time.Duration {
	d := time.Duration(exitCount) * 500 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	if d < 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}

const (
	defaultRestartCap          = 10
	defaultRestartWindow       = 60 * time.Second
	defaultKillWait            = 5 * time.Second
	defaultGovernorGrace       = 10 * time.Second
)

// beginStop sends the kill signal and arms the kill deadline, entering
// Stopping. It is idempotent against being called while already stopping.
func (r *Record) beginStop() {
	if r.state == Stopping {
		return
	}
	r.state = Stopping

	if r.cfg.Kind == KindInetd {
		r.closeInetdListener()
		r.stepStopping(EventProcessExited)
		return
	}

	sig := r.cfg.KillSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if r.pid > 0 {
		_ = process.Signal(r.pid, sig, true)
	} else {
		// no process in flight (e.g. failed start mid-flight); treat as
		// already exited.
		r.stepStopping(EventProcessExited)
		return
	}
	r.armKillTimer()
}

func (r *Record) closeInetdListener() {
	if r.inetd == nil {
		return
	}
	r.inetd.mu.Lock()
	ln := r.inetd.listener
	r.inetd.listener = nil
	r.inetd.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

func (r *Record) armKillTimer() {
	wait := r.cfg.KillWait
	if wait <= 0 {
		wait = defaultKillWait
	}
	r.cancelKillTimer()
	r.killTimer = time.AfterFunc(wait, func() {
		r.Step(EventStopRequested)
	})
}

func (r *Record) cancelKillTimer() {
	if r.killTimer != nil {
		r.killTimer.Stop()
		r.killTimer = nil
	}
}

func (r *Record) escalateKill() {
	if r.pid > 0 {
		_ = process.Signal(r.pid, syscall.SIGKILL, true)
	}
	r.armKillTimer()
}

func (r *Record) clearAssert() {
	if r.cfg.AssertPath != "" {
		r.store.Clear(r.cfg.AssertPath)
	}
	oldPID := r.pid
	r.pid = 0
	if oldPID > 0 {
		r.reg.RebindPID(r.key, oldPID, 0)
	}
}

// NotifyExit is called by the event loop once the Child Supervisor's
// reaper reports this record's PID has exited.
func (r *Record) NotifyExit(info process.ExitInfo) {
	r.mu.Lock()
	if info.Signalled {
		r.reason = StoppedCrashed
		if r.state == Stopping {
			r.reason = StoppedByRequest
		}
	} else if info.ExitCode == 0 {
		r.reason = StoppedNormally
	} else {
		r.reason = StoppedCrashed
	}
	from := r.state
	r.stepLocked(EventProcessExited)
	to := r.state
	r.mu.Unlock()

	if from != to {
		for _, l := range r.listeners {
			l.ServiceStateChanged(r.key, from, to)
		}
	}
}

// MarkForDeletion flags the record as removed by reconciliation; it will
// become Dead once it next reaches Halted.
func (r *Record) MarkForDeletion() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markDel = true
	if r.state == Halted {
		r.state = Dead
	}
}

// SignalReconfigure delivers the record's kill signal to a live process
// without stopping it, used by the converge phase for "changed" records
// whose condition clause did not carry the no-reconfigure '!' marker. Most
// daemons interpret this as "reload your configuration", the same
// convention finit itself relies on.
func (r *Record) SignalReconfigure() {
	r.mu.Lock()
	pid := r.pid
	sig := r.cfg.KillSignal
	r.mu.Unlock()
	if pid > 0 {
		_ = process.Signal(pid, sig, false)
	}
}

// Equal reports whether two configs are identical in every
// record-identity-independent field, the "compare byte-for-byte the
// relevant attributes" check the reconciler's Sweep phase performs.
func (c Config) Equal(o Config) bool {
	if c.Kind != o.Kind || c.Dir != o.Dir || c.Levels != o.Levels ||
		c.AssertPath != o.AssertPath || c.Restart != o.Restart ||
		c.RestartCap != o.RestartCap || c.RestartWin != o.RestartWin ||
		c.KillSignal != o.KillSignal || c.KillWait != o.KillWait ||
		c.PIDFile != o.PIDFile || c.NoReconfig != o.NoReconfig ||
		c.Serial != o.Serial || c.Flags != o.Flags {
		return false
	}
	if !stringSliceEqual(c.Argv, o.Argv) || !stringSliceEqual(c.Env, o.Env) ||
		!stringSliceEqual(c.Conditions, o.Conditions) {
		return false
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reconfigure replaces the record's configuration in place, used by the
// converge phase for records that accept reconfiguration without a
// stop/start cycle.
func (r *Record) Reconfigure(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.Unsubscribe(r)
	r.cfg = cfg
	for _, c := range cfg.Conditions {
		r.store.Subscribe(c, r)
	}
}
