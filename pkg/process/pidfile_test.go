package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestWriteReadPIDFileRoundTripLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	self := os.Getpid()

	if err := WritePIDFile(path, self); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}

	pid, result, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != self {
		t.Errorf("pid = %d, want %d", pid, self)
	}
	if result != PIDLive {
		t.Errorf("result = %v, want PIDLive", result)
	}
}

func TestReadPIDFileTerminatedProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	cmd := exec.Command("/bin/true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("running /bin/true: %v", err)
	}
	deadPID := cmd.Process.Pid

	if err := WritePIDFile(path, deadPID); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}

	_, result, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if result != PIDTerminated {
		t.Errorf("result = %v, want PIDTerminated", result)
	}
}

func TestReadPIDFileMissingFile(t *testing.T) {
	if _, _, err := ReadPIDFile(filepath.Join(t.TempDir(), "missing.pid")); err == nil {
		t.Error("expected an error reading a nonexistent pidfile")
	}
}

func TestReadPIDFileGarbageContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadPIDFile(path); err == nil {
		t.Error("expected an error parsing non-numeric pidfile contents")
	}
}

func TestWritePIDFileIsAtomicViaRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePIDFile(path, 1234); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected the .tmp staging file to be renamed away, not left behind")
	}
}

