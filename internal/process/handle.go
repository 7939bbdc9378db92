package process

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/portpilot/internal/model"
	"github.com/loykin/portpilot/internal/stream"
)

// State is the lifecycle state of a Handle.
type State int

const (
	Starting State = iota
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Stopped || s == Failed }

// ErrInvalidTransition is returned for a backward or terminal transition.
var ErrInvalidTransition = errors.New("invalid state transition")

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case Failed:
		return true
	case Running:
		return from == Starting
	case Stopping:
		return from == Starting || from == Running
	case Stopped:
		return from == Stopping
	}
	return false
}

// Stream identifies which output a Line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of server output.
type Line struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Observer is notified after every successful transition.
type Observer func(h *Handle, from, to State)

// Handle tracks one server process. Fields behind mu change as the server
// moves through its states; once Stopped or Failed it never changes again.
type Handle struct {
	ID          string
	Name        string
	Workspace   string
	Framework   string
	DesiredPort int

	spec    Spec
	foreign bool
	output  *stream.Hub[Line]
	done    chan struct{}

	mu           sync.Mutex
	state        State
	pid          int
	processStart int64
	resolvedPort int
	url          string
	startedAt    time.Time
	readyAt      time.Time
	stoppedAt    time.Time
	exitCode     int
	exited       bool
	cause        error
	observers    []Observer
}

func newHandle(spec Spec) *Handle {
	desired := spec.DesiredPort
	if desired == 0 {
		desired = spec.Port
	}
	return &Handle{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		Workspace:    spec.Workspace,
		Framework:    spec.Framework.Name,
		DesiredPort:  desired,
		spec:         spec,
		output:       stream.NewHub[Line](stream.DefaultBacklog),
		done:         make(chan struct{}),
		state:        Starting,
		resolvedPort: spec.Port,
		startedAt:    time.Now(),
		exitCode:     -1,
	}
}

// NewForeignHandle wraps a process we did not spawn so it can be stopped with
// the same sequence. It has no output and no exit notification.
func NewForeignHandle(b *model.PortBinding) *Handle {
	h := &Handle{
		ID:           uuid.NewString(),
		Name:         "foreign",
		DesiredPort:  b.Port,
		foreign:      true,
		state:        Running,
		pid:          b.PID,
		processStart: b.ProcessStart,
		resolvedPort: b.Port,
		startedAt:    b.DiscoveredAt,
		exitCode:     -1,
	}
	h.spec = Spec{Name: h.Name, Port: b.Port}
	return h
}

// Watch registers an observer for future transitions.
func (h *Handle) Watch(o Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

// Transition moves the handle to state to. Backward moves and any move out
// of a terminal state fail with ErrInvalidTransition.
func (h *Handle) Transition(to State) error { return h.transition(to, nil) }

func (h *Handle) transition(to State, mutate func()) error {
	h.mu.Lock()
	from := h.state
	if !allowed(from, to) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if mutate != nil {
		mutate()
	}
	h.state = to
	switch {
	case to == Running:
		h.readyAt = time.Now()
	case to.Terminal():
		h.stoppedAt = time.Now()
	}
	obs := append([]Observer(nil), h.observers...)
	h.mu.Unlock()
	for _, o := range obs {
		o(h, from, to)
	}
	return nil
}

// Fail moves a live handle to Failed and records why. It reports false when
// the handle was already terminal.
func (h *Handle) Fail(cause error) bool {
	return h.transition(Failed, func() { h.cause = cause }) == nil
}

// MarkReady records the confirmed port and URL and moves Starting -> Running.
func (h *Handle) MarkReady(port int, url string) error {
	return h.transition(Running, func() {
		if port > 0 {
			h.resolvedPort = port
		}
		h.url = url
	})
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) ResolvedPort() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolvedPort
}

func (h *Handle) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}

// Cause returns the error that failed the handle, if any.
func (h *Handle) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// ProcessStart is the start time of the foreign process, unix seconds.
func (h *Handle) ProcessStart() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processStart
}

// Spec returns the launch description used for this handle.
func (h *Handle) Spec() Spec { return h.spec }

// Foreign reports whether the process was discovered rather than spawned.
func (h *Handle) Foreign() bool { return h.foreign }

// Group reports whether signals should target the process group.
func (h *Handle) Group() bool { return !h.foreign }

// GroupAlive reports whether any process of a spawned server's group still
// runs. It stays true after the leader was reaped while its children live on.
func (h *Handle) GroupAlive() bool {
	if h.foreign {
		return false
	}
	return groupAlive(h.PID())
}

// Done is closed once the child has been reaped. Nil for foreign handles.
func (h *Handle) Done() <-chan struct{} {
	if h.done == nil {
		return nil
	}
	return h.done
}

// Exited reports whether the child has been reaped and its exit code
// (-1 when killed by a signal or unknown).
func (h *Handle) Exited() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitCode
}

// Output is the push stream of the server's output lines. Nil for foreign handles.
func (h *Handle) Output() *stream.Hub[Line] { return h.output }

// StderrExcerpt returns up to n of the most recent stderr lines.
func (h *Handle) StderrExcerpt(n int) string {
	if h.output == nil || n <= 0 {
		return ""
	}
	var lines []string
	for _, l := range h.output.Recent() {
		if l.Stream == Stderr {
			lines = append(lines, l.Text)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (h *Handle) setStarted(pid int) {
	h.mu.Lock()
	h.pid = pid
	h.startedAt = time.Now()
	h.mu.Unlock()
}

func (h *Handle) markExited(code int) {
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

// Info is a point-in-time, JSON-friendly view of a Handle.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Workspace    string    `json:"workspace"`
	Framework    string    `json:"framework"`
	DesiredPort  int       `json:"desired_port"`
	ResolvedPort int       `json:"resolved_port"`
	URL          string    `json:"url,omitempty"`
	PID          int       `json:"pid"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	ReadyAt      time.Time `json:"ready_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Snapshot returns the current Info.
func (h *Handle) Snapshot() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	in := Info{
		ID:           h.ID,
		Name:         h.Name,
		Workspace:    h.Workspace,
		Framework:    h.Framework,
		DesiredPort:  h.DesiredPort,
		ResolvedPort: h.resolvedPort,
		URL:          h.url,
		PID:          h.pid,
		State:        h.state.String(),
		StartedAt:    h.startedAt,
		ReadyAt:      h.readyAt,
		StoppedAt:    h.stoppedAt,
	}
	if h.exited {
		c := h.exitCode
		in.ExitCode = &c
	}
	if h.cause != nil {
		in.Error = h.cause.Error()
	}
	return in
}
