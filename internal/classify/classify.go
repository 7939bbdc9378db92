// Package classify decides whether a port occupant is one of ours.
package classify

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/model"
)

// Classifier marks a binding Family when its working directory lies inside a
// tracked workspace root and its command line carries a known launch
// signature. Everything else, unknown owners included, is Foreign.
type Classifier struct {
	catalog *framework.Catalog
	mu      sync.RWMutex
	roots   map[string]int
}

func New(catalog *framework.Catalog) *Classifier {
	if catalog == nil {
		catalog = framework.NewCatalog()
	}
	return &Classifier{catalog: catalog, roots: make(map[string]int)}
}

// Track adds a workspace root. Roots are reference counted so that two
// servers in one workspace can untrack independently.
func (c *Classifier) Track(root string) {
	r := normalize(root)
	if r == "" {
		return
	}
	c.mu.Lock()
	c.roots[r]++
	c.mu.Unlock()
}

func (c *Classifier) Untrack(root string) {
	r := normalize(root)
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.roots[r]; n > 1 {
		c.roots[r] = n - 1
		return
	}
	delete(c.roots, r)
}

// Roots returns the tracked roots sorted.
func (c *Classifier) Roots() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.roots))
	for r := range c.roots {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Classify returns OwnerFamily or OwnerForeign and records it on the binding.
func (c *Classifier) Classify(b *model.PortBinding) model.Owner {
	if b == nil {
		return model.OwnerForeign
	}
	owner := model.OwnerForeign
	if b.PID > 0 && c.inWorkspace(b.WorkingDir) {
		if _, ok := c.catalog.MatchAny(b.CommandLine); ok {
			owner = model.OwnerFamily
		}
	}
	b.SetOwner(owner)
	return owner
}

func (c *Classifier) inWorkspace(dir string) bool {
	d := normalize(dir)
	if d == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for r := range c.roots {
		if within(r, d) {
			return true
		}
	}
	return false
}

func within(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}
