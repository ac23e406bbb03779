package service

import (
	"testing"
	"time"

	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/process"
	"github.com/finisv/finisv/pkg/registry"
	"go.uber.org/zap"
)

func newTestRecord(t *testing.T, cfg Config, level int) (*Record, *registry.Registry) {
	t.Helper()
	store, err := cond.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("cond.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	reaper := process.NewReaper(zap.NewNop())
	rec := New(Identity("test", ""), cfg, store, reg, reaper, zap.NewNop(), func() int { return level })
	reg.Add(rec)
	return rec, reg
}

func TestOneshotLifecycleRunsAndHalts(t *testing.T) {
	cfg := Config{
		Kind:   KindOneshot,
		Argv:   []string{"/bin/true"},
		Levels: 1 << 1,
		Flags:  Flags{Manual: true},
	}
	rec, reg := newTestRecord(t, cfg, 1)

	rec.Activate()
	if rec.State() != Running {
		t.Fatalf("expected Running after Activate, got %v", rec.State())
	}
	if rec.PID() <= 0 {
		t.Fatal("expected a positive PID once running")
	}

	pid := rec.PID()
	reaper := process.NewReaper(zap.NewNop())
	deadline := time.Now().Add(2 * time.Second)
	var exit process.ExitInfo
	found := false
	for time.Now().Before(deadline) {
		for _, e := range reaper.Reap() {
			if e.PID == pid {
				exit = e
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !found {
		t.Fatal("/bin/true never reaped")
	}

	rec.NotifyExit(exit)
	if rec.State() != Halted {
		t.Errorf("expected Halted after normal oneshot exit with manual:yes, got %v", rec.State())
	}
	if _, ok := reg.ByPID(pid); ok {
		t.Error("expected PID index cleared after exit")
	}
}

func TestEligibleRespectsLevelMask(t *testing.T) {
	cfg := Config{
		Kind:   KindProcess,
		Argv:   []string{"/bin/true"},
		Levels: 1 << 2,
	}
	rec, _ := newTestRecord(t, cfg, 3) // current level 3, mask only includes 2

	rec.Activate()
	if rec.State() != Halted {
		t.Errorf("expected record ineligible at level 3 to stay Halted, got %v", rec.State())
	}
}

func TestTTYRecordIgnoredWhenNoLogin(t *testing.T) {
	cfg := Config{
		Kind:   KindTTY,
		Argv:   []string{"/sbin/getty", "tty1"},
		Levels: 1 << 2,
		Flags:  Flags{NoLogin: true},
	}
	rec, _ := newTestRecord(t, cfg, 2)

	rec.Activate()
	if rec.State() != Halted {
		t.Errorf("expected nologin tty to stay Halted regardless of level, got %v", rec.State())
	}
}

func TestRestartCapBlocksAfterThreshold(t *testing.T) {
	rec := &Record{
		cfg: Config{RestartCap: 2, RestartWin: time.Minute},
		log: zap.NewNop(),
	}

	rec.recordExit()
	if rec.exceedsRestartCap() {
		t.Error("one exit should not exceed a cap of 2")
	}
	rec.recordExit()
	if rec.exceedsRestartCap() {
		t.Error("two exits should not exceed a cap of 2")
	}
	rec.recordExit()
	if !rec.exceedsRestartCap() {
		t.Error("three exits should exceed a cap of 2")
	}
}

func TestRecordExitPrunesOutsideWindow(t *testing.T) {
	rec := &Record{cfg: Config{RestartWin: 10 * time.Millisecond}}

	rec.recordExit()
	time.Sleep(20 * time.Millisecond)
	rec.recordExit()

	if len(rec.exitTimes) != 1 {
		t.Errorf("expected stale exit pruned from window, have %d entries", len(rec.exitTimes))
	}
}

func TestBackoffDelayIsClamped(t *testing.T) {
	if d := backoffDelay(0); d != 200*time.Millisecond {
		t.Errorf("expected floor of 200ms, got %v", d)
	}
	if d := backoffDelay(100); d != 10*time.Second {
		t.Errorf("expected ceiling of 10s, got %v", d)
	}
}

func TestConfigEqual(t *testing.T) {
	a := Config{Kind: KindProcess, Argv: []string{"/bin/a"}, Conditions: []string{"net/up"}}
	b := a
	if !a.Equal(b) {
		t.Error("identical configs should compare equal")
	}
	b.Argv = []string{"/bin/b"}
	if a.Equal(b) {
		t.Error("differing argv should not compare equal")
	}

	c := a
	c.Serial = true
	if a.Equal(c) {
		t.Error("differing Serial should not compare equal")
	}

	d := a
	d.Seq = 7
	if !a.Equal(d) {
		t.Error("Seq is positional bookkeeping and must not affect Equal")
	}
}

func TestMarkForDeletionFromHaltedGoesDead(t *testing.T) {
	cfg := Config{Kind: KindProcess, Argv: []string{"/bin/true"}, Levels: 1 << 1}
	rec, _ := newTestRecord(t, cfg, 9) // ineligible, stays Halted

	rec.Activate()
	if rec.State() != Halted {
		t.Fatalf("precondition failed: expected Halted, got %v", rec.State())
	}

	rec.MarkForDeletion()
	if rec.State() != Dead {
		t.Errorf("expected Dead once a Halted record is marked for deletion, got %v", rec.State())
	}
}
