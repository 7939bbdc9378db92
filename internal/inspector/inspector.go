// Package inspector resolves which process listens on a TCP port and sends
// termination signals to processes. All platform differences live behind
// Inspector; the implementation is picked once by New.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/portpilot/internal/model"
)

// ErrEnumerationFailed is returned when no enumerator could inspect the socket table.
var ErrEnumerationFailed = errors.New("port owner enumeration failed")

// Inspector is the single OS capability used by negotiation and shutdown.
type Inspector interface {
	// ResolveOwner returns the listener on port, or nil when nobody listens.
	ResolveOwner(ctx context.Context, port int) (*model.PortBinding, error)
	// Signal delivers sig to pid, or to its whole process group when group is set.
	Signal(pid int, sig model.Signal, group bool) error
	// Alive reports whether pid still refers to a running process.
	Alive(pid int) bool
	// StartTime returns the process start time in unix seconds, 0 when unknown.
	StartTime(pid int) int64
}

// Enumerator maps a listening port to a process id.
// found with pid 0 means a listener exists but its owner is not visible.
type Enumerator interface {
	ListenerPID(ctx context.Context, port int) (pid int, found bool, err error)
	Describe() string
}

// System is the Inspector backed by the host operating system.
type System struct {
	enumerators []Enumerator
	logger      *slog.Logger
	now         func() time.Time
}

// New returns the inspector for the running platform: the gopsutil socket table
// first, then the platform's command line tool.
func New(logger *slog.Logger) *System {
	return NewWithEnumerators(logger, platformEnumerators()...)
}

// NewWithEnumerators builds a System with an explicit enumerator chain.
func NewWithEnumerators(logger *slog.Logger, enums ...Enumerator) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{enumerators: enums, logger: logger, now: time.Now}
}

// Enumerators returns descriptions of the configured chain, in order.
func (s *System) Enumerators() []string {
	out := make([]string, 0, len(s.enumerators))
	for _, e := range s.enumerators {
		out = append(out, e.Describe())
	}
	return out
}

// ResolveOwner walks the enumerator chain. The first enumerator that answers
// without error decides whether the port has a listener; an answer with an
// unknown pid lets later enumerators try to name it.
func (s *System) ResolveOwner(ctx context.Context, port int) (*model.PortBinding, error) {
	var errs []error
	anonymous := false
	for _, e := range s.enumerators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, found, err := e.ListenerPID(ctx, port)
		if err != nil {
			s.logger.Debug("port enumerator failed", "enumerator", e.Describe(), "port", port, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Describe(), err))
			continue
		}
		if !found {
			if anonymous {
				break
			}
			return nil, nil
		}
		if pid > 0 {
			return s.describe(ctx, port, pid), nil
		}
		anonymous = true
	}
	if anonymous {
		b := &model.PortBinding{Port: port, DiscoveredAt: s.now()}
		b.SetOwner(model.OwnerUnknown)
		return b, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no enumerator configured", ErrEnumerationFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, errors.Join(errs...))
}

// describe fills command line and working directory. Missing details are not
// an error: processes of other users commonly hide their cwd.
func (s *System) describe(ctx context.Context, port, pid int) *model.PortBinding {
	b := &model.PortBinding{Port: port, PID: pid, DiscoveredAt: s.now(), ProcessStart: s.StartTime(pid)}
	b.SetOwner(model.OwnerUnknown)
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return b
	}
	if args, err := p.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 {
		b.CommandLine = strings.Join(args, " ")
	} else if cmd, err := p.CmdlineWithContext(ctx); err == nil {
		b.CommandLine = cmd
	}
	if cwd, err := p.CwdWithContext(ctx); err == nil {
		b.WorkingDir = cwd
	}
	return b
}

// Signal implements Inspector.
func (s *System) Signal(pid int, sig model.Signal, group bool) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := signalPID(pid, sig, group); err != nil {
		return fmt.Errorf("signal %s to pid %d: %w", sig, pid, err)
	}
	return nil
}

// Alive implements Inspector.
func (s *System) Alive(pid int) bool { return pid > 0 && pidAlive(pid) }

// StartTime implements Inspector.
func (s *System) StartTime(pid int) int64 { return getProcStartUnix(pid) }

// SameProcess reports whether pid is alive and still the process that started
// at start (unix seconds). A zero start skips the reuse check.
func SameProcess(in Inspector, pid int, start int64) bool {
	if !in.Alive(pid) {
		return false
	}
	if start <= 0 {
		return true
	}
	cur := in.StartTime(pid)
	return cur <= 0 || cur == start
}
