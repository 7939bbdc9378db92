// Package manager ties the port lifecycle together: probe the desired port,
// negotiate with whoever holds it, spawn the server, wait for it to become
// ready, and tear it down again.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/portpilot/internal/classify"
	"github.com/loykin/portpilot/internal/env"
	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/history"
	"github.com/loykin/portpilot/internal/inspector"
	"github.com/loykin/portpilot/internal/metrics"
	"github.com/loykin/portpilot/internal/model"
	"github.com/loykin/portpilot/internal/negotiate"
	"github.com/loykin/portpilot/internal/probe"
	"github.com/loykin/portpilot/internal/process"
	"github.com/loykin/portpilot/internal/readiness"
	"github.com/loykin/portpilot/internal/registry"
	"github.com/loykin/portpilot/internal/shutdown"
	"github.com/loykin/portpilot/internal/stream"
)

// alternativesOnFailure is how many free ports a failed start suggests.
const alternativesOnFailure = 3

// Manager starts, stops, and tracks dev servers.
type Manager struct {
	opts   Options
	logger *slog.Logger

	catalog    *framework.Catalog
	probe      *probe.Prober
	inspector  inspector.Inspector
	classifier *classify.Classifier
	negotiator *negotiate.Negotiator
	spawner    *process.Spawner
	detector   *readiness.Detector
	sequencer  *shutdown.Sequencer
	registry   *registry.Registry
	recorder   *history.Recorder
	events     *stream.Hub[Event]
	usage      *metrics.UsageCollector
	usageStop  context.CancelFunc

	mu      sync.Mutex
	entries map[string]entry
}

// entry remembers how a live handle was requested.
type entry struct {
	req  Request
	root string
}

// New builds a Manager from opts using the real operating system.
func New(opts Options) *Manager {
	return NewWithInspector(opts, inspector.New(opts.Logger))
}

// NewWithInspector is New with a custom process inspector.
func NewWithInspector(opts Options, in inspector.Inspector) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = model.PolicyAsk
	}
	if opts.ForeignPolicy == "" {
		opts.ForeignPolicy = model.ForeignAlternative
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = readiness.DefaultTimeout
	}

	catalog := framework.NewCatalog()
	for _, f := range opts.Frameworks {
		catalog.Register(f)
	}

	pr := probe.New()
	if len(opts.Hosts) > 0 {
		pr.Hosts = append([]string(nil), opts.Hosts...)
	}
	if opts.MaxScan > 0 {
		pr.MaxScan = opts.MaxScan
	}

	e := env.New()
	if opts.UseOSEnv {
		e.FromOS()
	}
	for _, kv := range opts.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}

	m := &Manager{
		opts:       opts,
		logger:     log,
		catalog:    catalog,
		probe:      pr,
		inspector:  in,
		classifier: classify.New(catalog),
		registry:   registry.New(),
		recorder:   history.NewRecorder(log, opts.Sinks...),
		events:     stream.NewHub[Event](opts.EventBacklog),
		entries:    make(map[string]entry),
	}
	for _, root := range opts.Workspaces {
		m.classifier.Track(root)
	}

	m.sequencer = shutdown.New(in, pr, log)
	if len(opts.ShutdownPlan) > 0 {
		m.sequencer.Plan = opts.ShutdownPlan
	}
	m.negotiator = negotiate.New(pr, m.sequencer, log)
	if opts.ReleaseRetries > 0 {
		m.negotiator.ReleaseRetries = opts.ReleaseRetries
	}
	if opts.ReleaseInterval > 0 {
		m.negotiator.ReleaseInterval = opts.ReleaseInterval
	}
	m.negotiator.OwnHandle = m.registry.FindByPID

	m.spawner = process.NewSpawner(e, log)
	m.spawner.Observers = []process.Observer{m.observe}
	m.spawner.Plan = m.sequencer.Plan
	m.detector = readiness.New(pr, log)

	if opts.UsageInterval > 0 {
		m.usage = metrics.NewUsageCollector(opts.UsageInterval, log)
		ctx, cancel := context.WithCancel(context.Background())
		m.usageStop = cancel
		m.usage.Start(ctx, m.usageTargets)
	}
	return m
}

// Catalog returns the framework catalogue in use.
func (m *Manager) Catalog() *framework.Catalog { return m.catalog }

// Classifier returns the ownership classifier, e.g. to track more workspaces.
func (m *Manager) Classifier() *classify.Classifier { return m.classifier }

// Usage returns the resource collector, or nil when sampling is off.
func (m *Manager) Usage() *metrics.UsageCollector { return m.usage }

// SetHistorySinks replaces the history sinks.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) { m.recorder.SetSinks(sinks...) }

// resolved is a Request with every default applied.
type resolved struct {
	req       Request
	fw        framework.Framework
	workspace string
	desired   int
	command   string
	policy    model.Policy
	foreign   model.ForeignPolicy
	provider  negotiate.DecisionProvider
	timeout   time.Duration
}

func (m *Manager) resolve(req Request) (resolved, error) {
	r := resolved{req: req}
	switch {
	case req.Framework != "":
		f, ok := m.catalog.Lookup(req.Framework)
		if !ok {
			return r, fmt.Errorf("unknown framework %q", req.Framework)
		}
		r.fw = f
	case req.Command != "":
		if f, ok := m.catalog.MatchAny(req.Command); ok {
			r.fw = f
		} else {
			r.fw = m.catalog.Get(framework.Generic)
		}
	default:
		r.fw = m.catalog.Get(framework.Generic)
	}

	r.command = req.Command
	if r.command == "" {
		r.command = r.fw.Command
	}
	if strings.TrimSpace(r.command) == "" {
		return r, errors.New("no command given and the framework has no default command")
	}
	r.desired = req.DesiredPort
	if r.desired == 0 {
		r.desired = r.fw.DefaultPort
	}
	if r.desired <= 0 || r.desired > probe.MaxPort {
		return r, fmt.Errorf("invalid port %d", r.desired)
	}

	ws := req.Workspace
	if ws == "" {
		ws = req.Dir
	}
	if ws == "" {
		wd, err := os.Getwd()
		if err != nil {
			return r, fmt.Errorf("resolve workspace: %w", err)
		}
		ws = wd
	}
	if abs, err := filepath.Abs(ws); err == nil {
		ws = abs
	}
	r.workspace = ws
	if r.req.Name == "" {
		r.req.Name = fmt.Sprintf("%s-%d", r.fw.Name, r.desired)
	}

	r.policy = req.Policy
	if r.policy == "" {
		r.policy = m.opts.Policy
	}
	r.foreign = req.ForeignPolicy
	if r.foreign == "" {
		r.foreign = m.opts.ForeignPolicy
	}
	r.provider = req.Provider
	if r.provider == nil {
		r.provider = m.opts.Provider
	}
	r.timeout = req.ReadyTimeout
	if r.timeout <= 0 {
		r.timeout = m.opts.ReadyTimeout
	}
	return r, nil
}

// Start runs the full start pipeline and returns a Running handle. Every
// failure is a *StartError.
func (m *Manager) Start(ctx context.Context, req Request) (*process.Handle, error) {
	r, err := m.resolve(req)
	if err != nil {
		metrics.IncStart(req.Framework, "failed")
		return nil, &StartError{Kind: KindFailed, Reason: "invalid request", Err: err}
	}
	h, err := m.start(ctx, r)
	if err != nil {
		var se *StartError
		if !errors.As(err, &se) {
			se = startError(err, r.desired)
		}
		metrics.IncStart(r.fw.Name, se.Kind.String())
		m.logger.Info("server start failed", "name", r.req.Name, "port", r.desired, "kind", se.Kind, "error", se)
		return nil, se
	}
	metrics.IncStart(r.fw.Name, "ok")
	return h, nil
}

func (m *Manager) start(ctx context.Context, r resolved) (*process.Handle, error) {
	key := registry.Key{Workspace: r.workspace, Port: r.desired}
	unlock, err := m.registry.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	excluded := append(append([]int(nil), m.opts.ExcludedPorts...), m.registry.Ports(key)...)
	if m.registry.Busy(key) {
		se := startError(fmt.Errorf("%w: %s", registry.ErrKeyBusy, key), r.desired)
		se.Alternatives = m.suggest(r, excluded)
		return nil, se
	}

	m.classifier.Track(r.workspace)
	handedOff := false
	defer func() {
		if !handedOff {
			m.classifier.Untrack(r.workspace)
		}
	}()

	port := r.desired
	if !m.probe.IsAvailable(port) {
		alt, err := m.resolveConflict(ctx, r, excluded)
		if err != nil {
			se := startError(err, r.desired)
			if se.Kind == KindFailed {
				se.Alternatives = m.suggest(r, excluded)
			}
			return nil, se
		}
		if alt > 0 {
			port = alt
		}
	}

	spec := process.Spec{
		Name:        r.req.Name,
		Command:     r.command,
		Args:        r.req.Args,
		Dir:         r.req.Dir,
		Workspace:   r.workspace,
		DesiredPort: r.desired,
		Port:        port,
		Framework:   r.fw,
		Env:         r.req.Env,
		Log:         m.opts.Log,
	}
	h, err := m.spawner.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(h); err != nil {
		m.sequencer.Stop(context.WithoutCancel(ctx), h)
		return nil, err
	}
	handedOff = true
	m.remember(h, r)
	m.emit(Event{Type: history.EventStart, Server: h.Snapshot()})
	m.logger.Info("server starting", "name", h.Name, "pid", h.PID(), "port", port, "desired_port", r.desired, "framework", r.fw.Name)

	res, err := m.detector.WaitUntilReady(ctx, h, r.fw, r.timeout)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up: do not leave a half-started server behind.
			m.sequencer.Stop(context.WithoutCancel(ctx), h)
		}
		return nil, err
	}
	metrics.ObserveReady(r.fw.Name, string(res.Method), res.Elapsed.Seconds())
	m.logger.Info("server ready", "name", h.Name, "port", res.Port, "url", res.URL, "method", res.Method, "elapsed", res.Elapsed)
	return h, nil
}

// suggest lists free ports a failed start could retry with.
func (m *Manager) suggest(r resolved, excluded []int) []int {
	return probe.Take(m.probe.FindAlternative(r.desired, r.fw.Alternates, excluded), alternativesOnFailure)
}

// resolveConflict identifies the occupant of the desired port and negotiates.
// It returns the alternative port to use, or 0 when the desired port was freed.
func (m *Manager) resolveConflict(ctx context.Context, r resolved, excluded []int) (int, error) {
	binding, err := m.inspector.ResolveOwner(ctx, r.desired)
	if err != nil {
		m.logger.Warn("could not identify port owner", "port", r.desired, "error", err)
		binding = nil
	}
	owner := model.OwnerUnknown
	if binding != nil {
		owner = m.classifier.Classify(binding)
	}

	dec, err := m.negotiator.Negotiate(ctx, negotiate.Input{
		Binding:       binding,
		DesiredPort:   r.desired,
		Framework:     r.fw,
		Policy:        r.policy,
		ForeignPolicy: r.foreign,
		Excluded:      excluded,
		Provider:      r.provider,
	})
	metrics.IncConflict(owner.String(), dec.Action.String())
	ev := Event{
		Type:    history.EventConflict,
		Server:  process.Info{Name: r.req.Name, Workspace: r.workspace, Framework: r.fw.Name, DesiredPort: r.desired, ResolvedPort: dec.AlternativePort},
		Binding: binding,
		Action:  dec.Action.String(),
	}
	if err != nil {
		ev.Message = err.Error()
	}
	m.emit(ev)
	if err != nil {
		return 0, err
	}
	if dec.Action == model.ActionUseAlternative {
		return dec.AlternativePort, nil
	}
	return 0, nil
}

func (m *Manager) remember(h *process.Handle, r resolved) {
	req := r.req
	req.Workspace = r.workspace
	req.DesiredPort = r.desired
	req.Command = r.command
	req.Framework = r.fw.Name
	m.mu.Lock()
	m.entries[h.ID] = entry{req: req, root: r.workspace}
	m.mu.Unlock()
	// The handle may have died before the entry existed.
	if h.State().Terminal() {
		m.untrack(h.ID)
	}
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if ok {
		m.classifier.Untrack(e.root)
	}
}

func (m *Manager) request(id string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e.req, ok
}

// Stop runs the shutdown plan against h. Stopping a terminal handle is a
// no-op. A port that stays bound afterwards is logged and recorded but is not
// an error; use StopReport to inspect it.
func (m *Manager) Stop(ctx context.Context, h *process.Handle) error {
	_, err := m.StopReport(ctx, h)
	return err
}

// StopReport is Stop returning the sequencer's report.
func (m *Manager) StopReport(ctx context.Context, h *process.Handle) (shutdown.Report, error) {
	if h == nil {
		return shutdown.Report{Skipped: true}, nil
	}
	if !h.Foreign() {
		unlock, err := m.registry.Lock(ctx, registry.KeyOf(h))
		if err != nil {
			return shutdown.Report{}, err
		}
		defer unlock()
	}
	rep := m.sequencer.Stop(ctx, h)
	if rep.Warning != nil {
		m.emit(Event{Type: history.EventWarning, Server: h.Snapshot(), Message: rep.Warning.Error()})
	}
	if !rep.Skipped {
		m.logger.Info("server stopped", "name", h.Name, "port", h.ResolvedPort(), "stages", len(rep.Stages))
	}
	return rep, nil
}

// Restart stops h and starts it again from the same request. The new handle
// competes for the original desired port. A server that already stopped or
// crashed is started again from its launch spec.
func (m *Manager) Restart(ctx context.Context, h *process.Handle) (*process.Handle, error) {
	if h.Foreign() {
		return nil, &StartError{Kind: KindFailed, Reason: fmt.Sprintf("process %d was not started by portpilot", h.PID())}
	}
	req, ok := m.request(h.ID)
	if !ok {
		req = requestFromSpec(h.Spec())
	}
	if err := m.Stop(ctx, h); err != nil {
		return nil, startError(err, req.DesiredPort)
	}
	return m.Start(ctx, req)
}

// requestFromSpec rebuilds the request of a handle that is no longer tracked.
// Per-request policies are gone with it, so the manager defaults apply.
func requestFromSpec(sp process.Spec) Request {
	return Request{
		Name:        sp.Name,
		Framework:   sp.Framework.Name,
		Command:     sp.Command,
		Args:        append([]string(nil), sp.Args...),
		Dir:         sp.Dir,
		Workspace:   sp.Workspace,
		DesiredPort: sp.DesiredPort,
		Env:         append([]string(nil), sp.Env...),
	}
}

// Shutdown stops every live server concurrently and clears the registry.
func (m *Manager) Shutdown(ctx context.Context) {
	handles := m.registry.List()
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *process.Handle) {
			defer wg.Done()
			if err := m.Stop(ctx, h); err != nil {
				// The key lock could not be taken in time; stop without it.
				m.sequencer.Stop(ctx, h)
			}
		}(h)
	}
	wg.Wait()
	for _, h := range m.registry.Clear() {
		m.untrack(h.ID)
	}
	metrics.SetActive(0)
}

// Close shuts everything down and releases sinks and subscribers.
func (m *Manager) Close(ctx context.Context) error {
	m.Shutdown(ctx)
	if m.usageStop != nil {
		m.usageStop()
		m.usage.Stop()
	}
	m.events.Close()
	return m.recorder.Close()
}

// Subscribe returns a push stream of lifecycle events. Recent events are
// replayed first.
func (m *Manager) Subscribe(buf int) *stream.Subscription[Event] { return m.events.Subscribe(buf) }

// Servers returns the live handles.
func (m *Manager) Servers() []*process.Handle { return m.registry.List() }

// Get returns the live handle with the given ID.
func (m *Manager) Get(id string) (*process.Handle, bool) {
	h := m.registry.FindByID(id)
	return h, h != nil
}

// Find returns the live handle for a workspace and desired port.
func (m *Manager) Find(workspace string, port int) (*process.Handle, bool) {
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	return m.registry.Get(registry.Key{Workspace: workspace, Port: port})
}

// PortStatus describes a port as seen right now.
type PortStatus struct {
	Port      int                `json:"port"`
	Available bool               `json:"available"`
	Binding   *model.PortBinding `json:"binding,omitempty"`
	// Managed is set when the occupant is a server this manager started.
	Managed *process.Info `json:"managed,omitempty"`
}

// Who probes port and identifies its occupant.
func (m *Manager) Who(ctx context.Context, port int) (PortStatus, error) {
	st := PortStatus{Port: port, Available: m.probe.IsAvailable(port)}
	if st.Available {
		return st, nil
	}
	b, err := m.inspector.ResolveOwner(ctx, port)
	if err != nil {
		return st, err
	}
	if b != nil {
		m.classifier.Classify(b)
		if h := m.registry.FindByPID(b.PID); h != nil {
			info := h.Snapshot()
			st.Managed = &info
		}
	}
	st.Binding = b
	return st, nil
}

// Free stops whatever listens on port and reports whether it is free afterwards.
func (m *Manager) Free(ctx context.Context, port int) (shutdown.Report, error) {
	if m.probe.IsAvailable(port) {
		return shutdown.Report{Skipped: true}, nil
	}
	b, err := m.inspector.ResolveOwner(ctx, port)
	if err != nil {
		return shutdown.Report{}, err
	}
	if b == nil || b.PID <= 0 {
		return shutdown.Report{}, fmt.Errorf("port %d is in use but its process could not be identified", port)
	}
	if h := m.registry.FindByPID(b.PID); h != nil {
		return m.StopReport(ctx, h)
	}
	return m.StopReport(ctx, process.NewForeignHandle(b))
}

// Alternatives lists up to n free ports near port, skipping excluded and
// managed ones. The framework's alternates are tried first when known.
func (m *Manager) Alternatives(port int, frameworkName string, n int) []int {
	var alternates []int
	if fw, ok := m.catalog.Lookup(frameworkName); ok {
		alternates = fw.Alternates
	}
	excluded := append(append([]int(nil), m.opts.ExcludedPorts...), m.registry.Ports(registry.Key{})...)
	return probe.Take(m.probe.FindAlternative(port, alternates, excluded), n)
}

func (m *Manager) usageTargets() []metrics.Target {
	hs := m.registry.List()
	out := make([]metrics.Target, 0, len(hs))
	for _, h := range hs {
		out = append(out, metrics.Target{Server: h.ID, PID: int32(h.PID())})
	}
	return out
}
