package shutdown

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// withMocks swaps the package-level syscall indirections for the duration
// of a test and restores the originals afterward.
func withMocks(t *testing.T, kill func(int, unix.Signal) error, sync func() error, reboot func(int) error) {
	t.Helper()
	origKill, origSync, origReboot := killFunc, syncFunc, rebootFunc
	if kill != nil {
		killFunc = kill
	}
	if sync != nil {
		syncFunc = sync
	}
	if reboot != nil {
		rebootFunc = reboot
	}
	t.Cleanup(func() {
		killFunc, syncFunc, rebootFunc = origKill, origSync, origReboot
	})
}

func TestKillAllProcessesBroadcastsTermThenKill(t *testing.T) {
	var mu sync.Mutex
	var signals []unix.Signal

	withMocks(t, func(pid int, sig unix.Signal) error {
		mu.Lock()
		signals = append(signals, sig)
		mu.Unlock()
		return nil
	}, nil, nil)

	done := make(chan struct{})
	go func() {
		KillAllProcesses(zap.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ProcessKillGracePeriod + 2*time.Second):
		t.Fatal("KillAllProcesses did not return in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 2 {
		t.Fatalf("expected 2 signal broadcasts, got %d: %v", len(signals), signals)
	}
	if signals[0] != unix.SIGTERM {
		t.Errorf("first broadcast = %v, want SIGTERM", signals[0])
	}
	if signals[1] != unix.SIGKILL {
		t.Errorf("second broadcast = %v, want SIGKILL", signals[1])
	}
}

func TestKillAllProcessesToleratesKillErrors(t *testing.T) {
	withMocks(t, func(pid int, sig unix.Signal) error {
		return unix.ESRCH
	}, nil, nil)

	done := make(chan struct{})
	go func() {
		KillAllProcesses(zap.NewNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ProcessKillGracePeriod + 2*time.Second):
		t.Fatal("KillAllProcesses did not return despite kill errors")
	}
}

func TestExecuteHaltCallsRebootWithHaltCommand(t *testing.T) {
	var gotCmd int
	var syncCalled bool

	withMocks(t,
		func(int, unix.Signal) error { return nil },
		func() error { syncCalled = true; return nil },
		func(cmd int) error { gotCmd = cmd; return nil },
	)

	done := make(chan struct{})
	go func() {
		Execute(Halt, zap.NewNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ProcessKillGracePeriod + 2*time.Second):
		t.Fatal("Execute(Halt) did not return")
	}

	if !syncCalled {
		t.Error("expected syncFunc to be called")
	}
	if gotCmd != unix.LINUX_REBOOT_CMD_HALT {
		t.Errorf("reboot command = %v, want LINUX_REBOOT_CMD_HALT", gotCmd)
	}
}

func TestExecuteRebootCallsRebootWithRestartCommand(t *testing.T) {
	var gotCmd int
	withMocks(t,
		func(int, unix.Signal) error { return nil },
		func() error { return nil },
		func(cmd int) error { gotCmd = cmd; return nil },
	)

	done := make(chan struct{})
	go func() {
		Execute(Reboot, zap.NewNop())
		close(done)
	}()
	<-done

	if gotCmd != unix.LINUX_REBOOT_CMD_RESTART {
		t.Errorf("reboot command = %v, want LINUX_REBOOT_CMD_RESTART", gotCmd)
	}
}

func TestExecutePowerOffCallsRebootWithPowerOffCommand(t *testing.T) {
	var gotCmd int
	withMocks(t,
		func(int, unix.Signal) error { return nil },
		func() error { return nil },
		func(cmd int) error { gotCmd = cmd; return nil },
	)

	done := make(chan struct{})
	go func() {
		Execute(PowerOff, zap.NewNop())
		close(done)
	}()
	<-done

	if gotCmd != unix.LINUX_REBOOT_CMD_POWER_OFF {
		t.Errorf("reboot command = %v, want LINUX_REBOOT_CMD_POWER_OFF", gotCmd)
	}
}

func TestExecuteFallsBackToInfiniteHoldOnRebootFailure(t *testing.T) {
	withMocks(t,
		func(int, unix.Signal) error { return nil },
		func() error { return nil },
		func(cmd int) error { return unix.EINVAL },
	)

	done := make(chan struct{})
	go func() {
		Execute(Halt, zap.NewNop())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Execute must never return once the reboot syscall fails; it should hold forever")
	case <-time.After(300 * time.Millisecond):
		// Expected: Execute is now blocked inside InfiniteHold.
	}
}

func TestTypeForLevel(t *testing.T) {
	if TypeForLevel(6) != Reboot {
		t.Error("level 6 should map to Reboot")
	}
	if TypeForLevel(0) != PowerOff {
		t.Error("level 0 should map to PowerOff")
	}
	if TypeForLevel(3) != Halt {
		t.Error("non-terminal levels should default to Halt")
	}
}
