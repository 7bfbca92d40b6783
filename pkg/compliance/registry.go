package compliance

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrTargetBusy means a run, trace or sweep already holds the target.
	ErrTargetBusy = errors.New("compliance: target busy")
	// ErrRunNotFound means no retained run has the given id.
	ErrRunNotFound = errors.New("compliance: run not found")
	// ErrUnknownTarget means the resolver has no device by that name.
	ErrUnknownTarget = errors.New("compliance: unknown target")
)

// Registry tracks the latest run per target and which targets are busy.
// Each target's entry has its own lock, so a slow target never blocks
// queries against another.
type Registry struct {
	mu      sync.Mutex // guards entries and byRun
	entries map[string]*targetEntry
	byRun   map[string]string // run id → target
}

type targetEntry struct {
	mu     sync.Mutex
	busy   bool
	latest *runState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*targetEntry),
		byRun:   make(map[string]string),
	}
}

func (r *Registry) entry(target string) *targetEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[target]
	if !ok {
		e = &targetEntry{}
		r.entries[target] = e
	}
	return e
}

// find is entry without the insert, for paths that only read or clear.
func (r *Registry) find(target string) *targetEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[target]
}

// Acquire takes exclusive hold of target. It does not wait: a held target
// returns ErrTargetBusy. The returned func releases the hold.
func (r *Registry) Acquire(target string) (release func(), err error) {
	e := r.entry(target)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return nil, ErrTargetBusy
	}
	e.busy = true

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.busy = false
			e.mu.Unlock()
		})
	}, nil
}

// Busy reports whether target is held.
func (r *Registry) Busy(target string) bool {
	e := r.find(target)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// put makes rs the latest run of its target, superseding the previous one.
func (r *Registry) put(rs *runState) {
	e := r.entry(rs.target)
	e.mu.Lock()
	prev := e.latest
	e.latest = rs
	e.mu.Unlock()

	r.mu.Lock()
	if prev != nil {
		delete(r.byRun, prev.id)
	}
	r.byRun[rs.id] = rs.target
	r.mu.Unlock()
}

func (r *Registry) lookup(runID string) (*runState, error) {
	r.mu.Lock()
	target, ok := r.byRun[runID]
	e := r.entries[target]
	r.mu.Unlock()
	if !ok || e == nil {
		return nil, ErrRunNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil || e.latest.id != runID {
		return nil, ErrRunNotFound
	}
	return e.latest, nil
}

func (r *Registry) latest(target string) (*runState, error) {
	e := r.find(target)
	if e == nil {
		return nil, ErrRunNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return nil, ErrRunNotFound
	}
	return e.latest, nil
}

// Clear drops the retained run of target. A busy target cannot be cleared.
func (r *Registry) Clear(target string) error {
	e := r.find(target)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return ErrTargetBusy
	}
	prev := e.latest
	e.latest = nil
	e.mu.Unlock()

	if prev != nil {
		r.mu.Lock()
		delete(r.byRun, prev.id)
		r.mu.Unlock()
	}
	return nil
}

// Targets lists targets with a retained run.
func (r *Registry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byRun))
	for _, t := range r.byRun {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// active returns the retained runs that have not finished.
func (r *Registry) active() []*runState {
	r.mu.Lock()
	entries := make([]*targetEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var out []*runState
	for _, e := range entries {
		e.mu.Lock()
		rs := e.latest
		e.mu.Unlock()
		if rs != nil && !rs.status().Terminal() {
			out = append(out, rs)
		}
	}
	return out
}
