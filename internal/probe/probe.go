// Package probe answers whether a TCP port can be bound right now and searches
// for free alternatives.
//
// Availability is decided by asking the OS directly: bind a listener and close it
// straight away. A port counts as free only when every configured host accepts
// the bind, because dev servers commonly listen on loopback only while a bind on
// all interfaces may still succeed on some platforms.
package probe

import (
	"iter"
	"net"
	"strconv"
)

const (
	// MaxPort is the highest valid TCP port.
	MaxPort = 65535
	// DefaultMaxScan bounds how many sequential candidates FindAlternative inspects.
	DefaultMaxScan = 100
)

// DefaultHosts are probed when a Prober is created without explicit hosts.
var DefaultHosts = []string{"", "127.0.0.1"}

// Prober tests port availability. The zero value is usable.
type Prober struct {
	Hosts   []string
	MaxScan int
}

// New returns a Prober bound to DefaultHosts.
func New() *Prober {
	return &Prober{Hosts: append([]string(nil), DefaultHosts...), MaxScan: DefaultMaxScan}
}

// IsAvailable attempts a transient bind on every host. Any failure, including
// permission errors and an existing listener, reports false.
func (p *Prober) IsAvailable(port int) bool {
	if port <= 0 || port > MaxPort {
		return false
	}
	hosts := p.Hosts
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	for _, h := range hosts {
		ln, err := net.Listen("tcp", net.JoinHostPort(h, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
	}
	return true
}

// FindAlternative yields free ports for a busy base port: the framework's known
// alternates first, then base+1, base+2, ... It never yields base, a port in
// excluded, or the same port twice, and stops after MaxScan sequential
// candidates. Every call recomputes from scratch.
func (p *Prober) FindAlternative(base int, alternates []int, excluded []int) iter.Seq[int] {
	return func(yield func(int) bool) {
		seen := make(map[int]struct{}, len(excluded)+len(alternates)+1)
		seen[base] = struct{}{}
		for _, e := range excluded {
			seen[e] = struct{}{}
		}
		try := func(c int) bool {
			if c <= 0 || c > MaxPort {
				return true
			}
			if _, dup := seen[c]; dup {
				return true
			}
			seen[c] = struct{}{}
			if !p.IsAvailable(c) {
				return true
			}
			return yield(c)
		}
		for _, a := range alternates {
			if !try(a) {
				return
			}
		}
		limit := p.MaxScan
		if limit <= 0 {
			limit = DefaultMaxScan
		}
		for i := 1; i <= limit; i++ {
			if !try(base + i) {
				return
			}
		}
	}
}

// First returns the first port of seq.
func First(seq iter.Seq[int]) (int, bool) {
	for p := range seq {
		return p, true
	}
	return 0, false
}

// Take collects at most n ports from seq.
func Take(seq iter.Seq[int], n int) []int {
	out := make([]int, 0, n)
	if n <= 0 {
		return out
	}
	for p := range seq {
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}
