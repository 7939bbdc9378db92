// Package shutdown stops a server through an escalating signal plan and then
// checks that its port was actually released.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/portpilot/internal/inspector"
	"github.com/loykin/portpilot/internal/metrics"
	"github.com/loykin/portpilot/internal/model"
	"github.com/loykin/portpilot/internal/process"
)

// Defaults used when the matching Sequencer field is zero.
const (
	// DefaultPollInterval is how often a stage checks whether the target is gone.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultReapGrace is how long a killed child of ours gets to be reaped.
	DefaultReapGrace = time.Second
	// DefaultReleaseSettle bounds the port re-probe after the plan ran.
	DefaultReleaseSettle = time.Second
)

// IncompleteError is a non-fatal warning: the plan ran to completion but the
// port still had a listener afterwards. Socket teardown can lag process death.
type IncompleteError struct {
	Port int
	PID  int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("port %d still bound after stopping pid %d", e.Port, e.PID)
}

// PortChecker is the part of the port probe the sequencer needs.
type PortChecker interface {
	IsAvailable(port int) bool
}

// StageResult records one executed stage.
type StageResult struct {
	Signal  model.Signal  `json:"signal"`
	SentAt  time.Time     `json:"sent_at"`
	Exited  bool          `json:"exited"`
	Elapsed time.Duration `json:"elapsed"`
	Err     error         `json:"-"`
}

// Report summarises a Stop call.
type Report struct {
	Skipped bool          `json:"skipped"`
	Stages  []StageResult `json:"stages"`
	// Warning is an *IncompleteError when the port outlived the process.
	Warning error `json:"-"`
}

// Sequencer drives a ShutdownPlan against one handle at a time.
type Sequencer struct {
	Inspector     inspector.Inspector
	Probe         PortChecker
	Plan          model.ShutdownPlan
	PollInterval  time.Duration
	ReapGrace     time.Duration
	ReleaseSettle time.Duration
	Logger        *slog.Logger
}

// New returns a Sequencer using the default plan and timings.
func New(in inspector.Inspector, probe PortChecker, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		Inspector:     in,
		Probe:         probe,
		Plan:          model.DefaultShutdownPlan(),
		PollInterval:  DefaultPollInterval,
		ReapGrace:     DefaultReapGrace,
		ReleaseSettle: DefaultReleaseSettle,
		Logger:        logger,
	}
}

// Stop is a no-op on a Stopped or Failed handle. Otherwise the handle moves
// to Stopping, each stage signals and waits for the process to go away, and
// the handle ends Stopped even when the port is still bound. A cancelled ctx
// cuts the waits short and escalates straight to the last stage.
func (s *Sequencer) Stop(ctx context.Context, h *process.Handle) Report {
	if h.State().Terminal() {
		return Report{Skipped: true}
	}
	if err := h.Transition(process.Stopping); err != nil {
		// Another stop is already in flight, or the handle just went terminal.
		return Report{Skipped: true}
	}
	var rep Report
	pid := h.PID()
	plan := s.Plan
	if len(plan) == 0 {
		plan = model.DefaultShutdownPlan()
	}
	log := s.Logger.With("name", h.Name, "pid", pid, "port", h.ResolvedPort())

	for i, stage := range plan {
		if pid <= 0 || s.gone(h) {
			break
		}
		last := i == len(plan)-1
		if ctx.Err() != nil && !last {
			continue
		}
		res := StageResult{Signal: stage.Signal, SentAt: time.Now()}
		res.Err = s.Inspector.Signal(pid, stage.Signal, h.Group())
		if res.Err != nil {
			log.Debug("signal failed", "signal", stage.Signal, "error", res.Err)
		} else {
			metrics.IncSignal(stage.Signal.String())
		}
		wait := stage.Wait
		if stage.Signal == model.SignalKill {
			// Kill is not waited on; our own child only gets a short reap window.
			wait = 0
			if h.Done() != nil {
				wait = s.reapGrace()
			}
		}
		res.Exited = s.waitGone(ctx, h, wait)
		res.Elapsed = time.Since(res.SentAt)
		rep.Stages = append(rep.Stages, res)
		log.Debug("shutdown stage", "signal", stage.Signal, "exited", res.Exited, "elapsed", res.Elapsed)
		if res.Exited {
			break
		}
	}

	if port := h.ResolvedPort(); port > 0 && s.Probe != nil && !s.released(port) {
		rep.Warning = &IncompleteError{Port: port, PID: pid}
		metrics.IncShutdownWarning()
		log.Warn("port still bound after shutdown", "error", rep.Warning)
	}
	if err := h.Transition(process.Stopped); err != nil {
		log.Debug("stop transition", "error", err)
	}
	return rep
}

// gone reports whether the target no longer runs. Our own children are gone
// once reaped and nothing else of their process group is left; foreign pids
// are polled and guarded against reuse.
func (s *Sequencer) gone(h *process.Handle) bool {
	if done := h.Done(); done != nil {
		select {
		case <-done:
			return !h.GroupAlive()
		default:
			return false
		}
	}
	return !inspector.SameProcess(s.Inspector, h.PID(), h.ProcessStart())
}

func (s *Sequencer) waitGone(ctx context.Context, h *process.Handle, d time.Duration) bool {
	if s.gone(h) || d <= 0 {
		return s.gone(h)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(s.pollInterval())
	defer tick.Stop()
	done := h.Done()
	for {
		select {
		case <-done:
			done = nil
			if s.gone(h) {
				return true
			}
		case <-tick.C:
			if s.gone(h) {
				return true
			}
		case <-timer.C:
			return s.gone(h)
		case <-ctx.Done():
			return s.gone(h)
		}
	}
}

// released re-probes the port for a bounded settle period.
func (s *Sequencer) released(port int) bool {
	deadline := time.Now().Add(s.ReleaseSettle)
	for {
		if s.Probe.IsAvailable(port) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(s.pollInterval())
	}
}

func (s *Sequencer) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

func (s *Sequencer) reapGrace() time.Duration {
	if s.ReapGrace <= 0 {
		return DefaultReapGrace
	}
	return s.ReapGrace
}
