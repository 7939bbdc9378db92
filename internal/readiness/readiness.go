// Package readiness decides when a freshly spawned dev server is usable.
//
// Three strategies race: a scan of the server's output for the framework's
// ready phrase, polling the port until something listens on it, and a plain
// timeout that optimistically reports ready because many servers print
// nothing recognisable. The first to finish wins; the child exiting first
// fails the handle.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/process"
)

// Method names the strategy that confirmed readiness.
type Method string

const (
	MethodOutput  Method = "output"
	MethodPort    Method = "port"
	MethodTimeout Method = "timeout"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
	DefaultStderrLines  = 20

	lineBuffer = 256
)

// Result describes a ready server.
type Result struct {
	Port    int           `json:"port"`
	URL     string        `json:"url,omitempty"`
	Method  Method        `json:"method"`
	Elapsed time.Duration `json:"elapsed"`
}

// ExitedError is returned when the server exits before becoming ready.
type ExitedError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitedError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("server exited before becoming ready (exit code %d)", e.ExitCode)
	}
	return fmt.Sprintf("server exited before becoming ready (exit code %d): %s", e.ExitCode, e.Stderr)
}

// PortChecker is the part of the port probe readiness needs.
type PortChecker interface {
	IsAvailable(port int) bool
}

type Detector struct {
	Probe        PortChecker
	PollInterval time.Duration
	StderrLines  int
	Logger       *slog.Logger
}

func New(probe PortChecker, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{Probe: probe, PollInterval: DefaultPollInterval, StderrLines: DefaultStderrLines, Logger: logger}
}

// WaitUntilReady blocks until h is ready, exits, the timeout passes, or ctx
// ends. On success the handle moves to Running; on exit it moves to Failed.
// A cancelled ctx leaves the handle untouched.
func (d *Detector) WaitUntilReady(ctx context.Context, h *process.Handle, fw framework.Framework, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := time.Now()
	port := h.ResolvedPort()

	var lines <-chan process.Line
	if out := h.Output(); out != nil {
		sub := out.Subscribe(lineBuffer)
		defer sub.Unsubscribe()
		lines = sub.C()
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ready := func(p int, url string, m Method) (Result, error) {
		if p <= 0 {
			p = port
		}
		if err := h.MarkReady(p, url); err != nil {
			if cause := h.Cause(); cause != nil {
				return Result{}, cause
			}
			return Result{}, err
		}
		res := Result{Port: h.ResolvedPort(), URL: h.URL(), Method: m, Elapsed: time.Since(start)}
		d.Logger.Debug("server ready", "name", h.Name, "port", res.Port, "method", m, "elapsed", res.Elapsed)
		return res, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-h.Done():
			_, code := h.Exited()
			err := &ExitedError{ExitCode: code, Stderr: h.StderrExcerpt(d.StderrLines)}
			h.Fail(err)
			return Result{}, err
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if matched, url, p := fw.MatchReady(l.Text); matched {
				return ready(p, url, MethodOutput)
			}
		case <-poll.C:
			if d.Probe != nil && !d.Probe.IsAvailable(port) {
				return ready(port, "", MethodPort)
			}
		case <-deadline.C:
			d.Logger.Debug("no readiness signal, assuming ready", "name", h.Name, "port", port, "timeout", timeout)
			return ready(port, "", MethodTimeout)
		}
	}
}
