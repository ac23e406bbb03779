package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
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

type testServer struct {
	srv   *Server
	reg   *registry.Registry
	store *cond.Store
	gov   *runlevel.Governor
	rc    *reconcile.Reconciler
	path  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := registry.New()
	store, err := cond.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("cond.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reaper := process.NewReaper(zap.NewNop())
	rc := reconcile.New(reg, store, reaper, zap.NewNop(), func() int { return 2 }, t.TempDir())
	gov := runlevel.New(reg, zap.NewNop(), 2)

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := New(sockPath, reg, store, rc, gov, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testServer{srv: srv, reg: reg, store: store, gov: gov, rc: rc, path: sockPath}
}

func (ts *testServer) roundTrip(t *testing.T, req *Frame) *Frame {
	t.Helper()
	conn, err := net.DialTimeout("unix", ts.path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return resp
}

func TestServerSocketIsUnixAndRestrictedMode(t *testing.T) {
	ts := newTestServer(t)
	fi, err := net.DialTimeout("unix", ts.path, time.Second)
	if err != nil {
		t.Fatalf("expected a dialable unix socket: %v", err)
	}
	fi.Close()

	info, err := os.Stat(ts.path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("expected %s to be a socket, mode %v", ts.path, info.Mode())
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestGetRunlevelReportsGovernorCurrent(t *testing.T) {
	ts := newTestServer(t)
	req := &Frame{Cmd: uint8(CmdGetRunlevel)}
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyACK) {
		t.Fatalf("Cmd = %d, want ReplyACK", resp.Cmd)
	}
	if int(resp.Runlevel) != ts.gov.Current() {
		t.Errorf("Runlevel = %d, want %d", resp.Runlevel, ts.gov.Current())
	}
}

func TestUnknownCommandIsNacked(t *testing.T) {
	ts := newTestServer(t)
	req := &Frame{Cmd: 250}
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyNACK) {
		t.Errorf("Cmd = %d, want ReplyNACK", resp.Cmd)
	}
}

func TestQueryNoSuchServiceIsNacked(t *testing.T) {
	ts := newTestServer(t)
	req := &Frame{Cmd: uint8(CmdQuery)}
	req.SetPayload("nonexistent")
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyNACK) {
		t.Errorf("Cmd = %d, want ReplyNACK", resp.Cmd)
	}
	if resp.Payload() != "no such service" {
		t.Errorf("Payload() = %q, want %q", resp.Payload(), "no such service")
	}
}

func TestQueryAllConditionsMetIsAcked(t *testing.T) {
	ts := newTestServer(t)
	cfg := service.Config{
		Kind:   service.KindOneshot,
		Argv:   []string{"/bin/true"},
		Levels: 1 << 9, // ineligible at the test's fixed level 2
		Flags:  service.Flags{Manual: true},
	}
	rec := service.New(service.Identity("true", ""), cfg, ts.store, ts.reg, process.NewReaper(zap.NewNop()), zap.NewNop(), func() int { return 2 })
	ts.reg.Add(rec)

	req := &Frame{Cmd: uint8(CmdQuery)}
	req.SetPayload("true")
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyACK) {
		t.Errorf("Cmd = %d, want ReplyACK when no conditions are configured", resp.Cmd)
	}
}

func TestQueryReportsUnmetConditions(t *testing.T) {
	ts := newTestServer(t)
	cfg := service.Config{
		Kind:       service.KindOneshot,
		Argv:       []string{"/bin/true"},
		Levels:     1 << 9,
		Flags:      service.Flags{Manual: true},
		Conditions: []string{"svc/net/up"},
	}
	rec := service.New(service.Identity("true", ""), cfg, ts.store, ts.reg, process.NewReaper(zap.NewNop()), zap.NewNop(), func() int { return 2 })
	ts.reg.Add(rec)

	req := &Frame{Cmd: uint8(CmdQuery)}
	req.SetPayload("true")
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyNACK) {
		t.Fatalf("Cmd = %d, want ReplyNACK for an unmet condition", resp.Cmd)
	}
	if resp.Payload() != "svc/net/up" {
		t.Errorf("Payload() = %q, want %q", resp.Payload(), "svc/net/up")
	}
}

func TestStartStepsEligibleRecordToRunning(t *testing.T) {
	ts := newTestServer(t)
	cfg := service.Config{
		Kind:   service.KindOneshot,
		Argv:   []string{"/bin/true"},
		Levels: 1 << 2,
		Flags:  service.Flags{Manual: true},
	}
	rec := service.New(service.Identity("true", ""), cfg, ts.store, ts.reg, process.NewReaper(zap.NewNop()), zap.NewNop(), func() int { return 2 })
	ts.reg.Add(rec)

	req := &Frame{Cmd: uint8(CmdStart)}
	req.SetPayload("true")
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyACK) {
		t.Fatalf("Cmd = %d, want ReplyACK", resp.Cmd)
	}
	sr := rec
	if sr.State() != service.Running {
		t.Errorf("expected CmdStart to drive the record to Running, got %v", sr.State())
	}
}

func TestEmitEventSetsConditionInStore(t *testing.T) {
	ts := newTestServer(t)
	req := &Frame{Cmd: uint8(CmdEmitEvent)}
	req.SetPayload("svc/net/up")
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyACK) {
		t.Fatalf("Cmd = %d, want ReplyACK", resp.Cmd)
	}
	if ts.store.Get("svc/net/up") != cond.On {
		t.Error("expected CmdEmitEvent to set the condition On in the store")
	}
}

func TestEmitEventRejectsEmptyPath(t *testing.T) {
	ts := newTestServer(t)
	req := &Frame{Cmd: uint8(CmdEmitEvent)}
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyNACK) {
		t.Errorf("Cmd = %d, want ReplyNACK for an empty event path", resp.Cmd)
	}
}

func TestEnumerateStreamsRecordsThenTerminatesWithReplyEnd(t *testing.T) {
	ts := newTestServer(t)
	cfg := service.Config{Kind: service.KindOneshot, Argv: []string{"/bin/true"}, Levels: 1 << 9, Flags: service.Flags{Manual: true}}
	rec := service.New(service.Identity("true", ""), cfg, ts.store, ts.reg, process.NewReaper(zap.NewNop()), zap.NewNop(), func() int { return 2 })
	ts.reg.Add(rec)

	conn, err := net.DialTimeout("unix", ts.path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := WriteFrame(conn, &Frame{Cmd: uint8(CmdEnumerate)}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var records, ends int
	for {
		resp, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		switch Reply(resp.Cmd) {
		case ReplyRecord:
			records++
		case ReplyEnd:
			ends++
		}
		if ends > 0 {
			break
		}
	}
	if records != 1 {
		t.Errorf("records streamed = %d, want 1", records)
	}
	if ends != 1 {
		t.Errorf("end markers = %d, want 1", ends)
	}
}

func TestFindReturnsKeyAndState(t *testing.T) {
	ts := newTestServer(t)
	cfg := service.Config{Kind: service.KindOneshot, Argv: []string{"/bin/true"}, Levels: 1 << 9, Flags: service.Flags{Manual: true}}
	rec := service.New(service.Identity("true", ""), cfg, ts.store, ts.reg, process.NewReaper(zap.NewNop()), zap.NewNop(), func() int { return 2 })
	ts.reg.Add(rec)

	req := &Frame{Cmd: uint8(CmdFind)}
	req.SetPayload("true")
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyACK) {
		t.Fatalf("Cmd = %d, want ReplyACK", resp.Cmd)
	}
	want := rec.Key().String() + ":" + service.Halted.String()
	if resp.Payload() != want {
		t.Errorf("Payload() = %q, want %q", resp.Payload(), want)
	}
}

func TestWatchdogHandoverIsAcked(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.roundTrip(t, &Frame{Cmd: uint8(CmdWatchdogHandover)})
	if resp.Cmd != uint8(ReplyACK) {
		t.Errorf("Cmd = %d, want ReplyACK", resp.Cmd)
	}
}

func TestReloadWithEmptyConfigDirAcks(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.roundTrip(t, &Frame{Cmd: uint8(CmdReload)})
	if resp.Cmd != uint8(ReplyACK) {
		t.Errorf("Cmd = %d, want ReplyACK for a reload over an empty config directory", resp.Cmd)
	}
}

func TestInetdQueryRejectsNonInetdService(t *testing.T) {
	ts := newTestServer(t)
	cfg := service.Config{Kind: service.KindOneshot, Argv: []string{"/bin/true"}, Levels: 1 << 9, Flags: service.Flags{Manual: true}}
	rec := service.New(service.Identity("true", ""), cfg, ts.store, ts.reg, process.NewReaper(zap.NewNop()), zap.NewNop(), func() int { return 2 })
	ts.reg.Add(rec)

	req := &Frame{Cmd: uint8(CmdInetdQuery)}
	req.SetPayload("true")
	resp := ts.roundTrip(t, req)

	if resp.Cmd != uint8(ReplyNACK) {
		t.Errorf("Cmd = %d, want ReplyNACK for a non-inetd service", resp.Cmd)
	}
}
