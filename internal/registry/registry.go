// Package registry tracks the live servers of a manager, at most one per
// (workspace, desired port) key.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/portpilot/internal/process"
)

// ErrKeyBusy means a (workspace, port) key already has a live handle.
var ErrKeyBusy = errors.New("key busy")

// Key identifies a server slot. Port is the desired port, not the resolved one,
// so a server that moved to an alternative still occupies its original slot.
type Key struct {
	Workspace string `json:"workspace"`
	Port      int    `json:"port"`
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Workspace, k.Port) }

// KeyOf returns the slot a handle belongs to.
func KeyOf(h *process.Handle) Key { return Key{Workspace: h.Workspace, Port: h.DesiredPort} }

type Registry struct {
	mu      sync.Mutex
	entries map[Key]*process.Handle
	locks   map[Key]chan struct{}
}

func New() *Registry {
	return &Registry{
		entries: make(map[Key]*process.Handle),
		locks:   make(map[Key]chan struct{}),
	}
}

// Lock serializes operations on one key. The returned function releases the
// lock and must be called exactly once.
func (r *Registry) Lock(ctx context.Context, k Key) (func(), error) {
	r.mu.Lock()
	sem, ok := r.locks[k]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[k] = sem
	}
	r.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-sem }) }, nil
}

// Register stores h under its key. A live handle already under the key makes
// it fail with ErrKeyBusy. The entry is dropped automatically once h reaches
// a terminal state.
func (r *Registry) Register(h *process.Handle) error {
	k := KeyOf(h)
	r.mu.Lock()
	if cur, ok := r.entries[k]; ok && cur != h && !cur.State().Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyBusy, k)
	}
	r.entries[k] = h
	r.mu.Unlock()

	h.Watch(func(h *process.Handle, _, to process.State) {
		if to.Terminal() {
			r.Release(h)
		}
	})
	// The handle may have gone terminal before the observer was attached.
	if h.State().Terminal() {
		r.Release(h)
	}
	return nil
}

// Release removes h if it is still the entry for its key.
func (r *Registry) Release(h *process.Handle) {
	k := KeyOf(h)
	r.mu.Lock()
	if r.entries[k] == h {
		delete(r.entries, k)
	}
	r.mu.Unlock()
}

// Get returns the live handle for k.
func (r *Registry) Get(k Key) (*process.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[k]
	if !ok || h.State().Terminal() {
		return nil, false
	}
	return h, true
}

// Busy reports whether k holds a live handle.
func (r *Registry) Busy(k Key) bool {
	_, ok := r.Get(k)
	return ok
}

// List returns the live handles ordered by key.
func (r *Registry) List() []*process.Handle {
	r.mu.Lock()
	out := make([]*process.Handle, 0, len(r.entries))
	for _, h := range r.entries {
		if !h.State().Terminal() {
			out = append(out, h)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := KeyOf(out[i]), KeyOf(out[j])
		if a.Workspace != b.Workspace {
			return a.Workspace < b.Workspace
		}
		return a.Port < b.Port
	})
	return out
}

// FindByPID returns the live handle whose process is pid.
func (r *Registry) FindByPID(pid int) *process.Handle {
	if pid <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.entries {
		if h.PID() == pid && !h.State().Terminal() {
			return h
		}
	}
	return nil
}

// FindByID returns the live handle with the given ID.
func (r *Registry) FindByID(id string) *process.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.entries {
		if h.ID == id && !h.State().Terminal() {
			return h
		}
	}
	return nil
}

// Ports returns the resolved ports held by live handles other than k's.
func (r *Registry) Ports(except Key) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for k, h := range r.entries {
		if k == except || h.State().Terminal() {
			continue
		}
		if p := h.ResolvedPort(); p > 0 {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

func (r *Registry) Len() int { return len(r.List()) }

// Clear forgets every entry and returns what was there. Handles are not stopped.
func (r *Registry) Clear() []*process.Handle {
	r.mu.Lock()
	out := make([]*process.Handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	r.entries = make(map[Key]*process.Handle)
	r.mu.Unlock()
	return out
}
