// Package env composes the environment handed to dev servers.
package env

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

type Var map[string]string

// Env holds manager-wide variables, optionally layered on a snapshot of the
// OS environment. It is safe for concurrent use.
type Env struct {
	mu   sync.RWMutex
	vars Var
	base Var // OS environment, only after FromOS
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// FromOS snapshots the current process environment as the base layer.
// Without it servers see only what Merge is given.
func (e *Env) FromOS() {
	base := parse(os.Environ())
	e.mu.Lock()
	e.base = base
	e.mu.Unlock()
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	e.mu.RLock()
	n := &Env{vars: make(Var, len(e.vars)+1), base: e.base}
	for kk, vv := range e.vars {
		n.vars[kk] = vv
	}
	e.mu.RUnlock()
	if k != "" {
		n.vars[k] = v
	}
	return n
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.mu.Lock()
	if e.vars == nil {
		e.vars = make(Var)
	}
	e.vars[k] = v
	e.mu.Unlock()
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	e.mu.Lock()
	delete(e.vars, k)
	e.mu.Unlock()
}

// Get returns the global variable k.
func (e *Env) Get(k string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[k]
	return v, ok
}

// Merge composes the final environment in this order: OS env (when FromOS
// was called), global variables, per-server "K=V" entries, then forced
// entries that must win (the resolved PORT). ${VAR} references are expanded
// once against the composed map; forced values are taken verbatim. The result
// is sorted by key.
func (e *Env) Merge(perServer []string, forced ...string) []string {
	e.mu.RLock()
	m := make(Var, len(e.base)+len(e.vars)+len(perServer)+len(forced))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	e.mu.RUnlock()
	for k, v := range parse(perServer) {
		m[k] = v
	}
	pinned := parse(forced)
	for k, v := range pinned {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if _, ok := pinned[k]; ok {
			continue
		}
		out = append(out, k+"="+expand(v, m))
	}
	for k, v := range pinned {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the value of k in a "K=V" list. The last entry wins.
func Lookup(list []string, k string) (string, bool) {
	v, ok := parse(list)[k]
	return v, ok
}

func parse(list []string) Var {
	m := make(Var, len(list))
	for _, kv := range list {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

var refRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return refRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := m[name]; ok {
			return v
		}
		return ref
	})
}
