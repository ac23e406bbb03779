// Package cond implements the Condition Store: an in-memory set of named
// boolean facts with three states, durably mirrored as files under a run-dir
// for external observers. It is the Go-idiomatic replacement for finit's
// libite-backed cond.c, grounded on the teacher's pattern of indexing
// subscribers by the thing they depend on (pkg/service's dependents list)
// rather than walking the whole registry on every change.
package cond

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the tri-state value of a condition fact.
type State uint8

const (
	Off State = iota
	Flux
	On
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Flux:
		return "flux"
	case On:
		return "on"
	default:
		return "unknown"
	}
}

// Subscriber is notified when a fact's state changes.
type Subscriber interface {
	ConditionChanged(path string, state State)
}

// Store is the Condition Store. It owns all facts; writers are plugins, the
// pidfile watcher, the state machine (for svc/... facts) and the external
// API, but only the Store mutates the map.
type Store struct {
	mu     sync.Mutex
	runDir string
	facts  map[string]State
	subs   map[string][]Subscriber

	watcher *fsnotify.Watcher
	log     *zap.Logger
}

// New creates a Condition Store rooted at runDir. It creates the on-disk
// condition directory if missing and starts an fsnotify watch on it so
// externally-written fact files (from plugins outside this module's scope)
// flow back into the in-memory map.
func New(runDir string, log *zap.Logger) (*Store, error) {
	dir := condDir(runDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating condition directory")
	}

	s := &Store{
		runDir: runDir,
		facts:  make(map[string]State),
		subs:   make(map[string][]Subscriber),
		log:    log,
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating condition watcher")
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "watching condition directory")
	}
	s.watcher = w

	go s.watchExternal()

	return s, nil
}

func condDir(runDir string) string {
	return filepath.Join(runDir, "finit", "cond")
}

// Close stops the background watcher goroutine.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Subscribe registers a subscriber for changes to the named fact. The
// reverse index (fact path -> subscriber list) is exactly the mechanism
// described in the spec's design notes as replacing a full dependency DAG
// walk: only subscribers of a changed fact are re-stepped.
func (s *Store) Subscribe(path string, sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[path] = append(s.subs[path], sub)
}

// Unsubscribe removes a subscriber from every fact it was registered for.
// Used when a record is deleted during reconciliation.
func (s *Store) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, list := range s.subs {
		filtered := list[:0]
		for _, existing := range list {
			if existing != sub {
				filtered = append(filtered, existing)
			}
		}
		s.subs[path] = filtered
	}
}

// Get returns the current state of a fact (Off if never set).
func (s *Store) Get(path string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facts[path]
}

// Satisfied reports whether every fact in conds is On. An empty conjunction
// is vacuously satisfied (invariant: "empty conjunction ≡ always
// satisfied").
func (s *Store) Satisfied(conds []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range conds {
		if s.facts[c] != On {
			return false
		}
	}
	return true
}

// Set transitions a fact to On, persists it to the run-dir, and notifies
// subscribers if the value actually changed.
func (s *Store) Set(path string) {
	s.transition(path, On)
}

// Clear transitions a fact to Off, removes its file, and notifies
// subscribers if the value actually changed.
func (s *Store) Clear(path string) {
	s.transition(path, Off)
}

// Reassert re-declares a fact as On. If it was in Flux (stale from a reload
// in progress), this produces the affirmative edge that unblocks
// subscribers; if it was already On, this is a no-op notification-wise.
func (s *Store) Reassert(path string) {
	s.transition(path, On)
}

func (s *Store) transition(path string, next State) {
	s.mu.Lock()
	prev := s.facts[path]
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.facts[path] = next
	subs := append([]Subscriber(nil), s.subs[path]...)
	s.mu.Unlock()

	s.persistState(path, next)

	for _, sub := range subs {
		sub.ConditionChanged(path, next)
	}
}

// MarkFlux demotes every On fact whose path has the given prefix to Flux.
// It is invoked at the start of a reload pass so that re-asserters (running
// services re-declaring themselves healthy) produce an affirmative edge
// instead of the condition silently remaining On the whole time.
func (s *Store) MarkFlux(prefix string) {
	s.mu.Lock()
	var changed []string
	for path, state := range s.facts {
		if state == On && strings.HasPrefix(path, prefix) {
			s.facts[path] = Flux
			changed = append(changed, path)
		}
	}
	subsCopy := make(map[string][]Subscriber, len(changed))
	for _, path := range changed {
		subsCopy[path] = append([]Subscriber(nil), s.subs[path]...)
	}
	s.mu.Unlock()

	sort.Strings(changed)
	for _, path := range changed {
		for _, sub := range subsCopy[path] {
			sub.ConditionChanged(path, Flux)
		}
	}
}

// persistState durably mirrors the fact as a zero-byte file (On) or removes
// it (Off/Flux). A failed write is logged; per the spec's error-handling
// design, the in-memory state remains authoritative regardless.
func (s *Store) persistState(path string, state State) {
	full := filepath.Join(condDir(s.runDir), path)
	if state == On {
		if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
			s.logError(path, err)
			return
		}
		f, err := os.Create(full)
		if err != nil {
			s.logError(path, err)
			return
		}
		f.Close()
		return
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		s.logError(path, err)
	}
}

func (s *Store) logError(path string, err error) {
	if s.log != nil {
		s.log.Warn("condition write failed", zap.String("fact", path), zap.Error(err))
	}
}

// watchExternal drains the fsnotify watcher and folds externally-written
// fact files back into the in-memory map. This is what lets a netlink
// plugin (out of scope per §1, but modeled as an external collaborator)
// drop "net/eth0/up" on disk and have it observed here.
func (s *Store) watchExternal() {
	dir := condDir(s.runDir)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(dir, ev.Name)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if fi, statErr := os.Stat(ev.Name); statErr == nil && fi.IsDir() {
					_ = filepath.WalkDir(ev.Name, func(p string, d os.DirEntry, walkErr error) error {
						if walkErr != nil {
							return nil
						}
						if d.IsDir() {
							_ = s.watcher.Add(p)
						} else if r, relErr := filepath.Rel(dir, p); relErr == nil {
							s.externalSet(r)
						}
						return nil
					})
					continue
				}
				s.externalSet(rel)
			case ev.Op&fsnotify.Remove != 0:
				s.externalClear(rel)
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) externalSet(path string) {
	s.mu.Lock()
	prev := s.facts[path]
	if prev == On {
		s.mu.Unlock()
		return
	}
	s.facts[path] = On
	subs := append([]Subscriber(nil), s.subs[path]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.ConditionChanged(path, On)
	}
}

func (s *Store) externalClear(path string) {
	s.mu.Lock()
	prev := s.facts[path]
	if prev == Off {
		s.mu.Unlock()
		return
	}
	s.facts[path] = Off
	subs := append([]Subscriber(nil), s.subs[path]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.ConditionChanged(path, Off)
	}
}

// Snapshot returns a copy of all known facts as a map (so in no defined
// order), used by the debug HTTP endpoint.
func (s *Store) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.facts))
	for k, v := range s.facts {
		out[k] = v
	}
	return out
}
