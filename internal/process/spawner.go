package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/loykin/portpilot/internal/env"
	"github.com/loykin/portpilot/internal/model"
)

// DefaultWaitDelay bounds how long reaping waits for output pipes held open
// by grandchildren after the server itself exited.
const DefaultWaitDelay = 2 * time.Second

const groupPollInterval = 50 * time.Millisecond

// SpawnError reports a server that could not be launched at all.
type SpawnError struct {
	Name   string
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Name, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spawner launches dev servers.
type Spawner struct {
	Env       *env.Env
	Logger    *slog.Logger
	WaitDelay time.Duration
	// Plan stops what is left of a process group whose leader exited on its own.
	Plan model.ShutdownPlan
	// Observers are attached to every handle before its process starts, so
	// no transition can be missed.
	Observers []Observer
}

func NewSpawner(e *env.Env, logger *slog.Logger) *Spawner {
	if e == nil {
		e = env.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{Env: e, Logger: logger, WaitDelay: DefaultWaitDelay, Plan: model.DefaultShutdownPlan()}
}

// Spawn starts the server described by spec and returns its handle in
// Starting without waiting for readiness. Launch failures are returned
// synchronously as *SpawnError. The child never inherits our stdin.
func (s *Spawner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Reason: "invalid spec", Err: err}
	}
	if spec.Dir != "" {
		fi, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, &SpawnError{Name: spec.Name, Reason: "invalid working directory", Err: err}
		}
		if !fi.IsDir() {
			return nil, &SpawnError{Name: spec.Name, Reason: "working directory is not a directory: " + spec.Dir}
		}
	}

	cmd := spec.BuildCommand()
	if cmd.Err != nil {
		return nil, &SpawnError{Name: spec.Name, Reason: "executable not found", Err: cmd.Err}
	}
	cmd.Dir = spec.Dir
	cmd.Env = s.Env.Merge(spec.Env, fmt.Sprintf("PORT=%d", spec.Port))
	// A nil Stdin reads from the null device.
	cmd.Stdin = nil
	configureSysProcAttr(cmd)
	cmd.WaitDelay = s.WaitDelay

	h := newHandle(spec)
	for _, o := range s.Observers {
		h.Watch(o)
	}
	outFile, errFile, err := spec.Log.Writers(spec.Name)
	if err != nil {
		s.Logger.Warn("server output files unavailable", "name", spec.Name, "error", err)
	}
	stdout := newLineWriter(h.output, Stdout, outFile)
	stderr := newLineWriter(h.output, Stderr, errFile)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		closeQuietly(outFile, errFile)
		h.output.Close()
		reason := "start failed"
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			reason = "executable not found"
		}
		return nil, &SpawnError{Name: spec.Name, Reason: reason, Err: err}
	}
	h.setStarted(cmd.Process.Pid)
	s.Logger.Debug("server spawned", "name", spec.Name, "pid", cmd.Process.Pid, "port", spec.Port, "command", spec.CommandLine())

	go s.monitor(h, cmd, stdout, stderr, outFile, errFile)
	return h, nil
}

// monitor reaps the child, flushes output, and closes Done. An exit before a
// stop was requested fails the handle, but only after the rest of its process
// group is gone, so the handle stays registered while anything of it may
// still hold the port.
func (s *Spawner) monitor(h *Handle, cmd *exec.Cmd, stdout, stderr *lineWriter, files ...io.WriteCloser) {
	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	closeQuietly(files...)
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	h.markExited(code)
	h.output.Close()
	if !live(h.State()) {
		return
	}
	if groupAlive(h.PID()) {
		s.Logger.Warn("server exited but its process group is still running; stopping it", "name", h.Name, "pid", h.PID())
		s.stopGroup(h)
	}
	cause := fmt.Errorf("server exited with code %d", code)
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		cause = fmt.Errorf("server exited: %w", err)
	}
	// A Stop that began meanwhile finishes the handle itself.
	if live(h.State()) && h.Fail(cause) {
		s.Logger.Warn("server exited unexpectedly", "name", h.Name, "pid", h.PID(), "exit_code", code)
	}
}

func live(st State) bool { return st == Starting || st == Running }

// stopGroup runs the plan against the process group left behind by h.
func (s *Spawner) stopGroup(h *Handle) {
	plan := s.Plan
	if len(plan) == 0 {
		plan = model.DefaultShutdownPlan()
	}
	pgid := h.PID()
	for _, stage := range plan {
		if !groupAlive(pgid) {
			return
		}
		if err := signalGroup(pgid, stage.Signal); err != nil {
			s.Logger.Debug("signal process group", "name", h.Name, "signal", stage.Signal, "error", err)
		}
		deadline := time.Now().Add(stage.Wait)
		for time.Now().Before(deadline) && groupAlive(pgid) {
			time.Sleep(groupPollInterval)
		}
	}
}

func closeQuietly(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
