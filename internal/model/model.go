// Package model holds the value types shared by the port lifecycle components.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Owner classifies the process holding a port.
type Owner int

const (
	OwnerUnknown Owner = iota
	OwnerFamily
	OwnerForeign
)

func (o Owner) String() string {
	switch o {
	case OwnerFamily:
		return "family"
	case OwnerForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// PortBinding describes who is listening on a port at discovery time.
// It is transient and never persisted.
type PortBinding struct {
	Port         int       `json:"port"`
	PID          int       `json:"pid"`
	CommandLine  string    `json:"command_line"`
	WorkingDir   string    `json:"working_dir"`
	Owner        Owner     `json:"-"`
	OwnerName    string    `json:"owner"`
	DiscoveredAt time.Time `json:"discovered_at"`
	// ProcessStart is the occupant's start time in unix seconds, used to
	// avoid signalling a recycled pid. Zero when unknown.
	ProcessStart int64 `json:"process_start,omitempty"`
}

// SetOwner updates both the typed and the JSON-facing owner fields.
func (b *PortBinding) SetOwner(o Owner) {
	b.Owner = o
	b.OwnerName = o.String()
}

// Policy selects how port conflicts are resolved.
type Policy string

const (
	PolicyCooperative Policy = "cooperative"
	PolicyAggressive  Policy = "aggressive"
	PolicyAsk         Policy = "ask"
)

// ParsePolicy accepts the configuration spelling of a policy. Empty means ask.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAsk:
		return PolicyAsk, nil
	case PolicyCooperative:
		return PolicyCooperative, nil
	case PolicyAggressive:
		return PolicyAggressive, nil
	default:
		return "", fmt.Errorf("invalid port conflict policy %q, must be one of: cooperative, aggressive, ask", s)
	}
}

// ForeignPolicy selects what happens when the occupant is not one of ours
// and the conflict policy is not aggressive.
type ForeignPolicy string

const (
	ForeignAlternative ForeignPolicy = "alternative"
	ForeignStop        ForeignPolicy = "stop"
	ForeignAsk         ForeignPolicy = "ask"
	ForeignCancel      ForeignPolicy = "cancel"
)

// ParseForeignPolicy accepts the configuration spelling. Empty means alternative.
func ParseForeignPolicy(s string) (ForeignPolicy, error) {
	switch ForeignPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ForeignAlternative:
		return ForeignAlternative, nil
	case ForeignStop:
		return ForeignStop, nil
	case ForeignAsk:
		return ForeignAsk, nil
	case ForeignCancel:
		return ForeignCancel, nil
	default:
		return "", fmt.Errorf("invalid foreign policy %q, must be one of: alternative, stop, ask, cancel", s)
	}
}

// Action is the outcome of a conflict negotiation.
type Action int

const (
	ActionUseAlternative Action = iota
	ActionStopOther
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionUseAlternative:
		return "use_alternative"
	case ActionStopOther:
		return "stop_other"
	case ActionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ParseAction accepts an action by name, or its short form.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "use_alternative", "alternative":
		return ActionUseAlternative, nil
	case "stop_other", "stop":
		return ActionStopOther, nil
	case "cancel":
		return ActionCancel, nil
	default:
		return 0, fmt.Errorf("invalid action %q, must be one of: alternative, stop, cancel", s)
	}
}

// Choices is the fixed menu offered to a decision provider.
var Choices = []Action{ActionUseAlternative, ActionStopOther, ActionCancel}

// ConflictDecision is produced once per negotiation and never reused.
type ConflictDecision struct {
	Action          Action
	AlternativePort int
}

// Signal is a platform-neutral termination signal.
type Signal int

const (
	SignalInterrupt Signal = iota
	SignalTerminate
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	default:
		return "unknown"
	}
}

// ShutdownStage is one step of a ShutdownPlan.
type ShutdownStage struct {
	Signal Signal
	Wait   time.Duration
}

// ShutdownPlan is an ordered escalation applied to exactly one target.
type ShutdownPlan []ShutdownStage

// DefaultShutdownPlan returns interrupt(3s), terminate(2s), kill.
func DefaultShutdownPlan() ShutdownPlan {
	return ShutdownPlan{
		{Signal: SignalInterrupt, Wait: 3 * time.Second},
		{Signal: SignalTerminate, Wait: 2 * time.Second},
		{Signal: SignalKill, Wait: 0},
	}
}
