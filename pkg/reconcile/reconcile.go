// Package reconcile implements the Reload Reconciler: the three-pass
// Mark/Sweep/Converge algorithm that brings the Service Registry in line
// with a freshly re-read configuration tree without ever fully tearing
// the supervisor down. It is the one component with no direct teacher
// analogue — slinit has no live-reload concept — so it is grounded
// instead on the shape of the teacher's ServiceSet.ProcessQueues
// fixed-point drain loop, adapted from queue-draining to repeated
// whole-registry re-stepping since the condition model has no per-edge
// propagation flags to queue.
package reconcile

import (
	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/config"
	"github.com/finisv/finisv/pkg/process"
	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/service"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Reconciler owns one supervisor's registry and drives it through reload
// passes. It also performs the initial load at boot, since boot is just
// "converge from an empty registry".
type Reconciler struct {
	reg    *registry.Registry
	store  *cond.Store
	loader *config.DirLoader

	ConfigDir string

	reaper       *process.Reaper
	log          *zap.Logger
	currentLevel func() int

	Settings *config.GlobalSettings

	// Listeners is attached to every record this Reconciler creates,
	// newly-loaded or reloaded alike. The runlevel governor registers
	// itself here so it observes state changes on records it never
	// created directly, avoiding an import cycle between pkg/reconcile
	// and pkg/runlevel.
	Listeners []service.Listener
}

// New creates a Reconciler over the given registry, condition store, and
// reaper. currentLevel is the governor's read of the active runlevel,
// injected as a callback to avoid an import cycle with pkg/runlevel.
func New(reg *registry.Registry, store *cond.Store, reaper *process.Reaper, log *zap.Logger, currentLevel func() int, configDir string) *Reconciler {
	return &Reconciler{
		reg:          reg,
		store:        store,
		loader:       config.NewDirLoader(),
		ConfigDir:    configDir,
		reaper:       reaper,
		log:          log,
		currentLevel: currentLevel,
	}
}

// Reload re-parses the configuration directory and drives the registry
// to match it via Mark, Sweep, and Converge, then re-steps every record
// to a fixed point.
func (rc *Reconciler) Reload() error {
	rc.mark()

	res, err := rc.loader.Load(rc.ConfigDir)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}
	rc.Settings = res.Settings

	changed, err := rc.sweep(res)
	if err != nil {
		return err
	}

	rc.converge(changed)
	return nil
}

// mark is pass 1: every On svc/ fact is demoted to Flux (so a re-asserting
// survivor produces the affirmative edge that unblocks its dependents),
// and every record's dirty bit is cleared so Sweep can tell which records
// were revisited by the new parse.
func (rc *Reconciler) mark() {
	rc.store.MarkFlux("svc/")
	rc.reg.ResetDirty()
}

// sweep is pass 2: every parsed candidate is matched against an existing
// record by registry key, and every candidate's key is marked dirty (so
// that converge can tell it apart from vanished records). A match with
// identical config needs no further action; a match with different
// config is flagged changed; no match inserts a new record (itself
// always "changed", per the spec's Sweep rule).
func (rc *Reconciler) sweep(res *config.ParseResult) ([]registry.Key, error) {
	var changed []registry.Key

	for i, desc := range res.Services {
		key := desc.ToKey()
		cfg := desc.ToConfig(res.Settings.Env)
		cfg.Seq = i

		existing, ok := rc.reg.Get(key)
		rc.reg.MarkDirty(key)

		if !ok {
			rec := service.New(key, cfg, rc.store, rc.reg, rc.reaper, rc.log, rc.currentLevel)
			if cfg.Kind == service.KindInetd {
				rec = rec.WithInetd(desc.ToInetdState(inetdAddress(desc)))
			}
			for _, l := range rc.Listeners {
				rec.AddListener(l)
			}
			rc.reg.Add(rec)
			rec.Activate()
			changed = append(changed, key)
			continue
		}

		rec, ok := existing.(*service.Record)
		if !ok {
			return nil, errors.Errorf("registry entry for %s is not a service.Record", key)
		}
		if !rec.Config().Equal(cfg) {
			rec.Reconfigure(cfg)
			changed = append(changed, key)
		}
	}
	return changed, nil
}

// converge is pass 3: unmarked (vanished) records are scheduled for
// deletion; changed RUNNING records either take a live reconfigure
// signal or are cycled RUNNING->STOPPING->HALTED->WAITING->READY->RUNNING
// depending on whether their condition clause carried the no-reconfigure
// '!' marker; every record is then re-stepped to a fixed point.
func (rc *Reconciler) converge(changed []registry.Key) {
	for _, key := range rc.reg.Unmarked() {
		rec, ok := rc.reg.Get(key)
		if !ok {
			continue
		}
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		sr.MarkForDeletion()
		sr.Step(service.EventStopRequested)
	}

	for _, key := range changed {
		rec, ok := rc.reg.Get(key)
		if !ok {
			continue
		}
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		if sr.State() != service.Running {
			continue
		}
		cfg := sr.Config()
		if cfg.NoReconfig {
			sr.Step(service.EventStopRequested)
			// The record will re-enter Waiting/Ready/Running on its own once
			// it observes EventProcessExited, driven by the Child Supervisor's
			// reap loop in the event loop, not here.
			continue
		}
		sr.SignalReconfigure()
	}

	rc.settle()
}

// settle re-steps every record until none change state, bounded the way
// the spec prescribes: record count plus a small constant, since this
// model has no dependency DAG to add depth to the bound.
func (rc *Reconciler) settle() {
	maxPasses := rc.reg.Len() + 8
	for pass := 0; pass < maxPasses; pass++ {
		anyChanged := false
		for _, rec := range rc.reg.All() {
			sr, ok := rec.(*service.Record)
			if !ok {
				continue
			}
			before := sr.State()
			sr.Step(service.EventConditionsMet)
			if sr.State() != before {
				anyChanged = true
			}
		}
		if !anyChanged {
			return
		}
	}
	rc.log.Warn("reload did not converge within pass bound", zap.Int("passes", maxPasses))
}

func inetdAddress(d *config.ServiceDesc) string {
	// finit resolves SVC against /etc/services for the port number; this
	// module does no such lookup: the service name field is returned as is
	// and used verbatim as the listen address, so it must already be a
	// form net.Listen accepts (":7" or "localhost:7", say).
	return d.Name
}
