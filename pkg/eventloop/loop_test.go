package eventloop

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/process"
	"github.com/finisv/finisv/pkg/reconcile"
	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/runlevel"
	"github.com/finisv/finisv/pkg/service"
	"go.uber.org/zap"
)

func newTestLoop(t *testing.T) (*Loop, *registry.Registry, *runlevel.Governor) {
	t.Helper()
	reg := registry.New()
	reaper := process.NewReaper(zap.NewNop())
	store, err := cond.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("cond.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rc := reconcile.New(reg, store, reaper, zap.NewNop(), func() int { return 2 }, t.TempDir())
	gov := runlevel.New(reg, zap.NewNop(), 2)
	loop := New(reg, reaper, rc, gov, zap.NewNop())
	return loop, reg, gov
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestStopCausesRunToReturn(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	loop.Stop()
	loop.Stop() // must not panic on a second close
}

func TestSIGTERMInitiatesShutdownAndExitsOnEmptyRegistry(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("self-signal: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after SIGTERM with an empty registry")
	}
}

func TestReapChildrenDeliversExitToOwningRecord(t *testing.T) {
	loop, reg, _ := newTestLoop(t)
	ctx := context.Background()

	store, err := cond.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("cond.New: %v", err)
	}
	defer store.Close()

	cfg := service.Config{
		Kind:   service.KindOneshot,
		Argv:   []string{"/bin/true"},
		Levels: 1 << 2,
		Flags:  service.Flags{Manual: true},
	}
	rec := service.New(service.Identity("true", ""), cfg, store, reg, loop.reaper, zap.NewNop(), func() int { return 2 })
	reg.Add(rec)
	rec.Activate()
	if rec.State() != service.Running {
		t.Fatalf("expected Running, got %v", rec.State())
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer loop.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rec.State() != service.Halted {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.State() != service.Halted {
		t.Errorf("expected SIGCHLD-driven reap to halt a finished oneshot, got %v", rec.State())
	}
}

func TestAllStoppedTrueForEmptyRegistry(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	if !loop.allStopped() {
		t.Error("an empty registry should report allStopped")
	}
}

func TestInitiateShutdownIsIdempotent(t *testing.T) {
	loop, _, gov := newTestLoop(t)
	loop.initiateShutdown(runlevel.LevelHalt)
	if gov.Current() != runlevel.LevelHalt {
		t.Fatalf("expected governor to move to LevelHalt, got %d", gov.Current())
	}
	loop.initiateShutdown(runlevel.LevelReboot)
	if gov.Current() != runlevel.LevelHalt {
		t.Error("a second initiateShutdown call must be a no-op")
	}
}
