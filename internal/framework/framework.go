// Package framework describes the dev-server frameworks the manager knows how to
// launch, recognise and wait for.
package framework

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PortPlaceholder is replaced by the resolved port in commands and port args.
const PortPlaceholder = "{port}"

// Generic is the name of the fallback framework used for unknown names.
const Generic = "generic"

// Signature is a launch pattern: a CLI binary followed by arguments that must
// appear somewhere after it on the command line.
type Signature struct {
	Binary string   `json:"binary" mapstructure:"binary"`
	Args   []string `json:"args" mapstructure:"args"`
}

// ParseSignature turns "next dev" into Signature{Binary: "next", Args: ["dev"]}.
func ParseSignature(s string) Signature {
	f := strings.Fields(s)
	if len(f) == 0 {
		return Signature{}
	}
	return Signature{Binary: f[0], Args: f[1:]}
}

// Match reports whether the tokenised command line carries this signature.
func (s Signature) Match(tokens []string) bool {
	if s.Binary == "" {
		return false
	}
	for i, tok := range tokens {
		if binaryName(tok) != s.Binary {
			continue
		}
		if containsAll(tokens[i+1:], s.Args) {
			return true
		}
	}
	return false
}

func (s Signature) String() string {
	return strings.TrimSpace(s.Binary + " " + strings.Join(s.Args, " "))
}

// binaryName normalises "/app/node_modules/.bin/vite", "vite.cmd" and
// "node_modules/vite/bin/vite.js" to "vite".
func binaryName(tok string) string {
	base := filepath.Base(strings.ReplaceAll(tok, "\\", "/"))
	for _, ext := range []string{".exe", ".cmd", ".js", ".mjs", ".cjs"} {
		base = strings.TrimSuffix(base, ext)
	}
	return strings.ToLower(base)
}

func containsAll(tokens, want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range tokens {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Framework is one entry of the catalogue.
type Framework struct {
	Name          string
	DefaultPort   int
	Alternates    []int
	Command       string
	Signatures    []Signature
	ReadyPatterns []*regexp.Regexp
	// PortArgs are appended to the launch command; PortPlaceholder is substituted.
	PortArgs []string
}

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	urlRe  = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]|[A-Za-z0-9.-]+):(\d{2,5})[^\s"']*`)
)

// StripANSI removes terminal colour sequences that dev servers love to print.
func StripANSI(s string) string { return ansiRe.ReplaceAllString(s, "") }

// MatchReady reports whether line carries one of the framework's ready phrases.
// When the line also contains a local URL, it is returned with its port.
func (f Framework) MatchReady(line string) (bool, string, int) {
	clean := StripANSI(line)
	for _, re := range f.ReadyPatterns {
		if re.MatchString(clean) {
			u, p := ExtractURL(clean)
			return true, u, p
		}
	}
	return false, "", 0
}

// ExtractURL returns the first local http(s) URL in line and its port.
func ExtractURL(line string) (string, int) {
	m := urlRe.FindStringSubmatch(StripANSI(line))
	if m == nil {
		return "", 0
	}
	p, err := strconv.Atoi(m[1])
	if err != nil || p <= 0 || p > 65535 {
		return "", 0
	}
	return strings.TrimRight(m[0], ".,;)"), p
}

// PortArguments returns PortArgs with the placeholder replaced.
func (f Framework) PortArguments(port int) []string {
	if len(f.PortArgs) == 0 {
		return nil
	}
	ps := strconv.Itoa(port)
	out := make([]string, len(f.PortArgs))
	for i, a := range f.PortArgs {
		out[i] = strings.ReplaceAll(a, PortPlaceholder, ps)
	}
	return out
}

// MatchCommandLine reports whether cmdline matches any of the framework's signatures.
func (f Framework) MatchCommandLine(cmdline string) bool {
	tokens := strings.Fields(cmdline)
	for _, s := range f.Signatures {
		if s.Match(tokens) {
			return true
		}
	}
	return false
}

// Catalog is a concurrency-safe set of frameworks keyed by lower-case name.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Framework
}

// NewCatalog returns a catalogue seeded with the built-in frameworks.
func NewCatalog() *Catalog {
	c := &Catalog{items: make(map[string]Framework)}
	for _, f := range builtins() {
		c.items[f.Name] = f
	}
	return c
}

// Register adds or replaces a framework.
func (c *Catalog) Register(f Framework) {
	f.Name = strings.ToLower(strings.TrimSpace(f.Name))
	if f.Name == "" {
		return
	}
	c.mu.Lock()
	c.items[f.Name] = f
	c.mu.Unlock()
}

// Lookup returns the named framework.
func (c *Catalog) Lookup(name string) (Framework, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.items[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Get returns the named framework or the generic fallback.
func (c *Catalog) Get(name string) Framework {
	if f, ok := c.Lookup(name); ok {
		return f
	}
	f, _ := c.Lookup(Generic)
	return f
}

// All returns every framework sorted by name.
func (c *Catalog) All() []Framework {
	c.mu.RLock()
	out := make([]Framework, 0, len(c.items))
	for _, f := range c.items {
		out = append(out, f)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MatchAny reports the first framework whose signature matches cmdline.
func (c *Catalog) MatchAny(cmdline string) (Framework, bool) {
	for _, f := range c.All() {
		if f.MatchCommandLine(cmdline) {
			return f, true
		}
	}
	return Framework{}, false
}
