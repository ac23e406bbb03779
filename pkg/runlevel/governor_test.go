package runlevel

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/process"
	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/service"
	"github.com/finisv/finisv/pkg/shutdown"
	"go.uber.org/zap"
)

type finalizeRecorder struct {
	mu     sync.Mutex
	levels []int
}

func (f *finalizeRecorder) record(lvl int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, lvl)
}

func (f *finalizeRecorder) seen(lvl int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, l := range f.levels {
			if l == lvl {
				f.mu.Unlock()
				return true
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestTransitionWithNoRecordsFinalizesImmediately(t *testing.T) {
	reg := registry.New()
	gov := New(reg, zap.NewNop(), 2)

	rec := &finalizeRecorder{}
	gov.OnFinalized(rec.record)

	gov.Transition(3)

	if !rec.seen(3, time.Second) {
		t.Fatal("expected immediate finalize with an empty registry")
	}
	if gov.Current() != 3 {
		t.Errorf("Current() = %d, want 3", gov.Current())
	}
	if gov.Previous() != 2 {
		t.Errorf("Previous() = %d, want 2", gov.Previous())
	}
}

func TestTransitionToHaltInvokesShutdownFunc(t *testing.T) {
	reg := registry.New()
	gov := New(reg, zap.NewNop(), 2)

	var gotType shutdown.Type
	var called bool
	var mu sync.Mutex
	gov.SetShutdownFunc(func(typ shutdown.Type, log *zap.Logger) {
		mu.Lock()
		gotType, called = typ, true
		mu.Unlock()
	})

	gov.Transition(LevelHalt)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := called
		mu.Unlock()
		if c {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Fatal("expected shutdownFunc to be invoked for level 0")
	}
	if gotType != shutdown.PowerOff {
		t.Errorf("shutdown type = %v, want PowerOff", gotType)
	}
}

func TestDefaultShutdownFuncIsANoOp(t *testing.T) {
	reg := registry.New()
	gov := New(reg, zap.NewNop(), 2)
	// SetShutdownFunc was never called; Transition to a terminal level
	// must not panic and must still finalize.
	rec := &finalizeRecorder{}
	gov.OnFinalized(rec.record)

	gov.Transition(LevelReboot)

	if !rec.seen(LevelReboot, time.Second) {
		t.Fatal("expected finalize even with the default no-op shutdown func")
	}
}

func newLiveRecord(t *testing.T, gov *Governor, reg *registry.Registry, argv []string, level uint16) *service.Record {
	t.Helper()
	store, err := cond.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("cond.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reaper := process.NewReaper(zap.NewNop())
	cfg := service.Config{
		Kind:       service.KindProcess,
		Argv:       argv,
		Levels:     level,
		Restart:    service.RestartNever,
		KillSignal: syscall.SIGTERM,
		KillWait:   2 * time.Second,
	}
	rec := service.New(service.Identity("sleeper", ""), cfg, store, reg, reaper, zap.NewNop(), gov.Current)
	reg.Add(rec)
	rec.AddListener(gov)
	return rec
}

func TestTransitionStopsIneligibleRunningRecordAndFinalizes(t *testing.T) {
	reg := registry.New()
	gov := New(reg, zap.NewNop(), 1)
	gov.Grace = 5 * time.Second

	rec := newLiveRecord(t, gov, reg, []string{"/bin/sleep", "5"}, 1<<1)
	rec.Activate()
	if rec.State() != service.Running {
		t.Fatalf("expected Running after Activate, got %v", rec.State())
	}

	finalized := &finalizeRecorder{}
	gov.OnFinalized(finalized.record)

	gov.Transition(2) // level 2 is outside the record's mask

	if rec.State() != service.Stopping && rec.State() != service.Halted {
		t.Errorf("expected the ineligible record to begin stopping, got %v", rec.State())
	}

	reaper := process.NewReaper(zap.NewNop())
	pid := rec.PID()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range reaper.Reap() {
			if e.PID == pid {
				rec.NotifyExit(e)
			}
		}
		if rec.State() == service.Halted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !finalized.seen(2, 2*time.Second) {
		t.Fatal("expected the governor to finalize once the record settled")
	}
}

func TestGraceTimerFinalizesDespiteStuckRecord(t *testing.T) {
	reg := registry.New()
	gov := New(reg, zap.NewNop(), 1)
	gov.Grace = 30 * time.Millisecond

	rec := newLiveRecord(t, gov, reg, []string{"/bin/sleep", "30"}, 1<<1)
	rec.Activate()
	t.Cleanup(func() {
		if pid := rec.PID(); pid > 0 {
			_ = process.Signal(pid, syscall.SIGKILL, true)
		}
	})

	finalized := &finalizeRecorder{}
	gov.OnFinalized(finalized.record)

	gov.Transition(2)

	if !finalized.seen(2, time.Second) {
		t.Fatal("expected the grace timer to force finalize despite a stuck record")
	}
}
