package manager

import (
	"log/slog"
	"time"

	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/history"
	"github.com/loykin/portpilot/internal/logger"
	"github.com/loykin/portpilot/internal/model"
	"github.com/loykin/portpilot/internal/negotiate"
)

// Options configures a Manager. The zero value is usable.
type Options struct {
	Policy        model.Policy
	ForeignPolicy model.ForeignPolicy
	// ExcludedPorts are never offered as alternatives.
	ExcludedPorts []int
	ReadyTimeout  time.Duration
	ShutdownPlan  model.ShutdownPlan
	// Hosts are probed for availability; empty means all interfaces and loopback.
	Hosts   []string
	MaxScan int

	ReleaseRetries  int
	ReleaseInterval time.Duration

	// Env is applied to every server between the OS environment and the
	// server's own entries.
	Env      []string
	UseOSEnv bool

	// Frameworks are added to, or replace entries of, the built-in catalogue.
	Frameworks []framework.Framework
	// Workspaces are tracked as family roots from the start.
	Workspaces []string
	// Log sends each server's output to rotated files.
	Log logger.FileConfig

	// Provider answers conflict prompts. Nil picks the alternative port.
	Provider negotiate.DecisionProvider
	Sinks    []history.Sink
	// UsageInterval enables periodic CPU and memory sampling of servers.
	UsageInterval time.Duration
	// EventBacklog is how many lifecycle events late subscribers replay.
	EventBacklog int
	Logger       *slog.Logger
}

// Request asks for one dev server.
type Request struct {
	Name string `json:"name"`
	// Framework selects defaults; empty means detect from Command, else generic.
	Framework   string   `json:"framework"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	Dir         string   `json:"dir"`
	Workspace   string   `json:"workspace"`
	DesiredPort int      `json:"port"`
	Env         []string `json:"env"`

	Policy        model.Policy        `json:"policy"`
	ForeignPolicy model.ForeignPolicy `json:"foreign_policy"`
	ReadyTimeout  time.Duration       `json:"ready_timeout"`
	// Provider overrides Options.Provider for this request.
	Provider negotiate.DecisionProvider `json:"-"`
}
