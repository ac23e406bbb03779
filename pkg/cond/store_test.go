package cond

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingSub struct {
	changes []string
}

func (r *recordingSub) ConditionChanged(path string, state State) {
	r.changes = append(r.changes, path+":"+state.String())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSatisfiedEmptyConjunctionIsVacuouslyTrue(t *testing.T) {
	s := newTestStore(t)
	if !s.Satisfied(nil) {
		t.Error("empty condition list should be vacuously satisfied")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if s.Get("net/eth0/up") != Off {
		t.Fatalf("expected unset fact to read Off")
	}
	s.Set("net/eth0/up")
	if s.Get("net/eth0/up") != On {
		t.Errorf("expected On after Set, got %v", s.Get("net/eth0/up"))
	}
	if !s.Satisfied([]string{"net/eth0/up"}) {
		t.Error("Satisfied should be true once the fact is On")
	}
	s.Clear("net/eth0/up")
	if s.Get("net/eth0/up") != Off {
		t.Errorf("expected Off after Clear, got %v", s.Get("net/eth0/up"))
	}
}

func TestSetNotifiesOnlySubscribedPath(t *testing.T) {
	s := newTestStore(t)
	sub := &recordingSub{}
	s.Subscribe("svc/a/ready", sub)
	s.Subscribe("svc/b/ready", sub)

	s.Set("svc/a/ready")

	if len(sub.changes) != 1 || sub.changes[0] != "svc/a/ready:on" {
		t.Fatalf("unexpected notifications: %v", sub.changes)
	}
}

func TestSetIsIdempotentNoDuplicateNotify(t *testing.T) {
	s := newTestStore(t)
	sub := &recordingSub{}
	s.Subscribe("svc/a/ready", sub)

	s.Set("svc/a/ready")
	s.Set("svc/a/ready")

	if len(sub.changes) != 1 {
		t.Errorf("expected exactly one notification for an unchanged value, got %d", len(sub.changes))
	}
}

func TestUnsubscribeRemovesFromEveryFact(t *testing.T) {
	s := newTestStore(t)
	sub := &recordingSub{}
	s.Subscribe("svc/a/ready", sub)
	s.Subscribe("svc/b/ready", sub)

	s.Unsubscribe(sub)

	s.Set("svc/a/ready")
	s.Set("svc/b/ready")

	if len(sub.changes) != 0 {
		t.Errorf("expected no notifications after Unsubscribe, got %v", sub.changes)
	}
}

func TestMarkFluxDemotesOnlyMatchingPrefix(t *testing.T) {
	s := newTestStore(t)
	s.Set("svc/a/ready")
	s.Set("net/eth0/up")

	s.MarkFlux("svc/")

	if got := s.Get("svc/a/ready"); got != Flux {
		t.Errorf("expected svc/a/ready demoted to Flux, got %v", got)
	}
	if got := s.Get("net/eth0/up"); got != On {
		t.Errorf("expected net/eth0/up to remain On, got %v", got)
	}
}

func TestMarkFluxThenReassertProducesAffirmativeEdge(t *testing.T) {
	s := newTestStore(t)
	sub := &recordingSub{}
	s.Set("svc/a/ready")
	s.Subscribe("svc/a/ready", sub)

	s.MarkFlux("svc/")
	s.Reassert("svc/a/ready")

	if len(sub.changes) != 2 {
		t.Fatalf("expected Flux then On notifications, got %v", sub.changes)
	}
	if sub.changes[0] != "svc/a/ready:flux" || sub.changes[1] != "svc/a/ready:on" {
		t.Errorf("unexpected notification sequence: %v", sub.changes)
	}
}

func TestSetPersistsZeroByteFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Set("svc/a/ready")

	path := filepath.Join(dir, "finit", "cond", "svc/a/ready")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected persisted fact file: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected zero-byte fact file, got size %d", info.Size())
	}

	s.Clear("svc/a/ready")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected fact file removed after Clear, stat err = %v", err)
	}
}

func TestExternalFileCreateFoldsIntoStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	sub := &recordingSub{}
	s.Subscribe("net/eth0/up", sub)

	path := filepath.Join(dir, "finit", "cond", "net", "eth0")
	if err := os.MkdirAll(path, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "up"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Get("net/eth0/up") == On {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("externally-created fact file was never observed")
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore(t)
	s.Set("svc/a/ready")

	snap := s.Snapshot()
	snap["svc/a/ready"] = Off

	if s.Get("svc/a/ready") != On {
		t.Error("mutating the snapshot must not affect the store")
	}
}
