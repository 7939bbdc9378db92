// Package portpilot starts local dev servers on the ports they ask for,
// negotiating with whatever already listens there, and stops them cleanly.
package portpilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/portpilot/internal/config"
	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/history"
	"github.com/loykin/portpilot/internal/history/factory"
	"github.com/loykin/portpilot/internal/logger"
	"github.com/loykin/portpilot/internal/manager"
	"github.com/loykin/portpilot/internal/metrics"
	"github.com/loykin/portpilot/internal/model"
	"github.com/loykin/portpilot/internal/negotiate"
	"github.com/loykin/portpilot/internal/process"
	iapi "github.com/loykin/portpilot/internal/server"
	"github.com/loykin/portpilot/internal/shutdown"
	"github.com/loykin/portpilot/internal/stream"
	tlsconf "github.com/loykin/portpilot/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Request = manager.Request

type Options = manager.Options

type Handle = process.Handle

type Info = process.Info

type Event = manager.Event

type Subscription = stream.Subscription[manager.Event]

type StartError = manager.StartError

type PortStatus = manager.PortStatus

type PortBinding = model.PortBinding

type StopReport = shutdown.Report

type Framework = framework.Framework

type Config = cfg.Config

type LogConfig = logger.Config

type TLSConfig = tlsconf.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Policy = model.Policy

type ForeignPolicy = model.ForeignPolicy

type Action = model.Action

type ShutdownPlan = model.ShutdownPlan

type ShutdownStage = model.ShutdownStage

type Prompt = negotiate.Prompt

type DecisionProvider = negotiate.DecisionProvider

// DecisionFunc adapts a function to DecisionProvider.
type DecisionFunc = negotiate.Func

// StaticDecision answers every prompt with the same action.
type StaticDecision = negotiate.Static

const (
	PolicyAsk         = model.PolicyAsk
	PolicyCooperative = model.PolicyCooperative
	PolicyAggressive  = model.PolicyAggressive

	ForeignAlternative = model.ForeignAlternative
	ForeignStop        = model.ForeignStop
	ForeignAsk         = model.ForeignAsk
	ForeignCancel      = model.ForeignCancel

	ActionUseAlternative = model.ActionUseAlternative
	ActionStopOther      = model.ActionStopOther
	ActionCancel         = model.ActionCancel

	SignalInterrupt = model.SignalInterrupt
	SignalTerminate = model.SignalTerminate
	SignalKill      = model.SignalKill
)

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(opts Options) *Manager { return &Manager{inner: manager.New(opts)} }

// NewFromConfig builds a Manager from a loaded configuration, opening the
// configured history sinks and registering metrics when enabled.
func NewFromConfig(c *Config, log *slog.Logger, provider DecisionProvider) (*Manager, error) {
	if log == nil {
		log = logger.New(c.File.Log, nil)
	}
	sinks, err := factory.NewSinks(c.File.History)
	if err != nil {
		return nil, err
	}
	opts := c.ManagerOptions(log, sinks...)
	opts.Provider = provider
	m := New(opts)
	if c.File.Metrics.Enabled {
		if err := RegisterMetricsDefault(); err != nil {
			_ = m.Close(context.Background())
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if u := m.inner.Usage(); u != nil {
			if err := u.Register(prometheus.DefaultRegisterer); err != nil {
				log.Warn("usage metrics not registered", "error", err)
			}
		}
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context, r Request) (*Handle, error) { return m.inner.Start(ctx, r) }
func (m *Manager) Stop(ctx context.Context, h *Handle) error             { return m.inner.Stop(ctx, h) }
func (m *Manager) StopReport(ctx context.Context, h *Handle) (StopReport, error) {
	return m.inner.StopReport(ctx, h)
}
func (m *Manager) Restart(ctx context.Context, h *Handle) (*Handle, error) {
	return m.inner.Restart(ctx, h)
}
func (m *Manager) Shutdown(ctx context.Context)                    { m.inner.Shutdown(ctx) }
func (m *Manager) Close(ctx context.Context) error                 { return m.inner.Close(ctx) }
func (m *Manager) Subscribe(buf int) *Subscription                 { return m.inner.Subscribe(buf) }
func (m *Manager) Servers() []*Handle                              { return m.inner.Servers() }
func (m *Manager) Get(id string) (*Handle, bool)                   { return m.inner.Get(id) }
func (m *Manager) Find(workspace string, port int) (*Handle, bool) { return m.inner.Find(workspace, port) }
func (m *Manager) Who(ctx context.Context, port int) (PortStatus, error) {
	return m.inner.Who(ctx, port)
}
func (m *Manager) Free(ctx context.Context, port int) (StopReport, error) {
	return m.inner.Free(ctx, port)
}
func (m *Manager) Alternatives(port int, framework string, n int) []int {
	return m.inner.Alternatives(port, framework, n)
}
func (m *Manager) SetHistorySinks(sinks ...HistorySink) { m.inner.SetHistorySinks(sinks...) }

// IsBusy reports whether err means a server already runs for the same workspace and port.
func IsBusy(err error) bool { return manager.IsBusy(err) }

// IsCancelled reports whether err means the start was called off.
func IsCancelled(err error) bool { return manager.IsCancelled(err) }

// AsStartError extracts the StartError from err.
func AsStartError(err error) (*StartError, bool) {
	var se *StartError
	ok := errors.As(err, &se)
	return se, ok
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// LoadEnvFile reads KEY=VALUE lines from a dotenv style file.
func LoadEnvFile(path string) ([]string, error) { return cfg.LoadEnvFile(path) }

func ParsePolicy(s string) (Policy, error)               { return model.ParsePolicy(s) }
func ParseForeignPolicy(s string) (ForeignPolicy, error) { return model.ParseForeignPolicy(s) }
func ParseAction(s string) (Action, error)               { return model.ParseAction(s) }

// NewLogger builds the slog logger described by c, writing to stderr.
func NewLogger(c LogConfig) *slog.Logger { return logger.New(c, nil) }

// NewHistorySink opens a history sink from a DSN such as sqlite://history.db,
// postgres://..., or clickhouse://host:9000/db?table=server_history.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer starts an HTTP server exposing the internal API using the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, m.inner)
}

// NewTLSServer starts the HTTP API over HTTPS. A disabled TLS config falls
// back to plain HTTP.
func NewTLSServer(addr, basePath string, m *Manager, c TLSConfig) (*http.Server, error) {
	return iapi.NewTLSServer(addr, basePath, m.inner, c)
}

// Handler returns the HTTP API as an http.Handler for mounting in another server.
func Handler(m *Manager, basePath string) http.Handler {
	return iapi.NewRouter(m.inner, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
