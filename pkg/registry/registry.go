// Package registry holds the Service Registry: the keyed collection of
// service records that the rest of finisv operates on. It generalizes the
// teacher's ServiceSet, which indexed records purely by name, to the
// (job-id, instance-id) identity the spec requires for template
// instantiation, while keeping the teacher's auxiliary indices (by PID, by
// origin file) for fast lookup during reconciliation and reaping.
package registry

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Key identifies a single service record. JobID is the configuration's
// logical name ("network" or "getty@"); InstanceID is empty for
// non-templated records and holds the instantiation argument (e.g. "tty1")
// for templated ones.
type Key struct {
	JobID      string
	InstanceID string
}

func (k Key) String() string {
	if k.InstanceID == "" {
		return k.JobID
	}
	return k.JobID + "@" + k.InstanceID
}

// Record is the subset of a service record the registry itself needs to
// know about; pkg/service.Record satisfies it. Keeping the interface
// narrow lets the registry package have no dependency on pkg/service,
// avoiding an import cycle (pkg/service depends on pkg/registry, not the
// reverse).
type Record interface {
	Key() Key
	OriginFile() string
	PID() int
}

// Registry is the Service Registry: a key-indexed collection plus the
// secondary indices needed for O(1) lookup by PID (child reaping) and by
// origin file (reload reconciliation).
type Registry struct {
	mu sync.RWMutex

	byKey    map[Key]Record
	byPID    map[int]Key
	byOrigin map[string][]Key

	// dirty marks records visited by the current reload pass's Sweep
	// (cleared by the Mark phase); see pkg/reconcile.
	dirty map[Key]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byKey:    make(map[Key]Record),
		byPID:    make(map[int]Key),
		byOrigin: make(map[string][]Key),
		dirty:    make(map[Key]bool),
	}
}

// Add inserts a new record, or replaces the existing one at the same key.
// Replacing re-derives all secondary indices for that key.
func (r *Registry) Add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(rec.Key())
	key := rec.Key()
	r.byKey[key] = rec
	if pid := rec.PID(); pid > 0 {
		r.byPID[pid] = key
	}
	if origin := rec.OriginFile(); origin != "" {
		r.byOrigin[origin] = append(r.byOrigin[origin], key)
	}
}

// Remove deletes a record and all of its secondary index entries.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key)
}

func (r *Registry) removeLocked(key Key) {
	rec, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(r.byKey, key)
	delete(r.dirty, key)
	if pid := rec.PID(); pid > 0 {
		delete(r.byPID, pid)
	}
	if origin := rec.OriginFile(); origin != "" {
		list := r.byOrigin[origin]
		for i, k := range list {
			if k == key {
				r.byOrigin[origin] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.byOrigin[origin]) == 0 {
			delete(r.byOrigin, origin)
		}
	}
}

// Get looks up a record by key.
func (r *Registry) Get(key Key) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKey[key]
	return rec, ok
}

// MustGet looks up a record by key, returning an error in the teacher's
// pkg/errors idiom when absent — used by control-socket handlers that
// receive a key from an untrusted client.
func (r *Registry) MustGet(key Key) (Record, error) {
	rec, ok := r.Get(key)
	if !ok {
		return nil, errors.Errorf("no such service: %s", key)
	}
	return rec, nil
}

// ByPID resolves the record owning a given PID, used by the child
// supervisor's WNOHANG reap loop to map an exited PID back to a record
// without a linear scan.
func (r *Registry) ByPID(pid int) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byPID[pid]
	if !ok {
		return nil, false
	}
	rec, ok := r.byKey[key]
	return rec, ok
}

// RebindPID updates the PID index after a record starts or stops a process.
// Passing pid == 0 clears any existing binding for that key.
func (r *Registry) RebindPID(key Key, oldPID, newPID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldPID > 0 {
		delete(r.byPID, oldPID)
	}
	if newPID > 0 {
		r.byPID[newPID] = key
	}
}

// ByOrigin returns the keys of every record loaded from the given
// configuration file, in insertion order. Used by the reload reconciler's
// Sweep phase to find records whose origin file disappeared or changed.
func (r *Registry) ByOrigin(originFile string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, len(r.byOrigin[originFile]))
	copy(out, r.byOrigin[originFile])
	return out
}

// All returns every record, sorted by key for deterministic iteration
// (enumerate command output, debug endpoint, and test assertions all rely
// on this ordering rather than Go's randomized map order).
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].JobID != keys[j].JobID {
			return keys[i].JobID < keys[j].JobID
		}
		return keys[i].InstanceID < keys[j].InstanceID
	})
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.byKey[k])
	}
	return out
}

// FindByBasename returns every key whose JobID equals name, regardless of
// InstanceID, sorted by InstanceID — used by the control server's name
// lookup, which addresses services by bare name and takes the first match.
func (r *Registry) FindByBasename(name string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Key
	for k := range r.byKey {
		if k.JobID == name {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// MarkDirty flags a key as visited during the current reload pass's Sweep
// phase. IsDirty/ResetDirty/Unmarked complete the three-pass protocol
// consumed by pkg/reconcile.
func (r *Registry) MarkDirty(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty[key] = true
}

// IsDirty reports whether a key was marked during the current pass.
func (r *Registry) IsDirty(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty[key]
}

// ResetDirty clears all dirty marks, starting a fresh Mark phase.
func (r *Registry) ResetDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = make(map[Key]bool)
}

// Unmarked returns every key not flagged dirty, i.e. every record whose
// key was not visited by the current pass's Sweep — candidates for
// deletion in converge.
func (r *Registry) Unmarked() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Key
	for k := range r.byKey {
		if !r.dirty[k] {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len reports the number of records currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
