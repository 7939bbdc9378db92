// Package negotiate resolves a busy port into one decision: move to another
// port, stop the occupant, or give up.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/model"
	"github.com/loykin/portpilot/internal/probe"
	"github.com/loykin/portpilot/internal/process"
	"github.com/loykin/portpilot/internal/shutdown"
)

// Errors returned by Negotiate.
var (
	// ErrPortStillBound means the occupant was stopped but the port never
	// became free within the release window.
	ErrPortStillBound = errors.New("port still bound after stopping its owner")
	// ErrCancelled means the decision provider chose to give up.
	ErrCancelled = errors.New("operation cancelled")
	// ErrNoAlternative means every candidate port was busy or excluded.
	ErrNoAlternative = errors.New("no alternative port available")
)

// Release window used when a Negotiator leaves the fields unset. The port is
// checked once after the stop and then up to DefaultReleaseRetries more
// times, DefaultReleaseInterval apart.
const (
	DefaultReleaseRetries  = 3
	DefaultReleaseInterval = time.Second
)

// Prompt is what a DecisionProvider is asked about.
type Prompt struct {
	Binding     *model.PortBinding
	DesiredPort int
	Framework   string
	Choices     []model.Action
}

// DecisionProvider picks one of Prompt.Choices. Implementations may ask a
// human, apply a fixed default, or replay a script in tests.
type DecisionProvider interface {
	Decide(ctx context.Context, p Prompt) (model.Action, error)
}

// Static always answers with the same action.
type Static model.Action

func (s Static) Decide(context.Context, Prompt) (model.Action, error) { return model.Action(s), nil }

// Func adapts a function to DecisionProvider.
type Func func(ctx context.Context, p Prompt) (model.Action, error)

func (f Func) Decide(ctx context.Context, p Prompt) (model.Action, error) { return f(ctx, p) }

// Ports is the probe surface negotiation needs.
type Ports interface {
	IsAvailable(port int) bool
	FindAlternative(base int, alternates []int, excluded []int) iter.Seq[int]
}

// Stopper runs the shutdown plan.
type Stopper interface {
	Stop(ctx context.Context, h *process.Handle) shutdown.Report
}

// Input is one negotiation request.
type Input struct {
	Binding       *model.PortBinding
	DesiredPort   int
	Framework     framework.Framework
	Policy        model.Policy
	ForeignPolicy model.ForeignPolicy
	Excluded      []int
	Provider      DecisionProvider
}

// Negotiator turns a busy port into a Decision and carries out stop actions.
// The zero value is not usable; build one with New.
type Negotiator struct {
	Ports           Ports
	Stopper         Stopper
	ReleaseRetries  int
	ReleaseInterval time.Duration
	// OwnHandle returns the live handle for pid when the occupant is a server
	// this manager spawned, so it is stopped as a group with exit tracking.
	OwnHandle func(pid int) *process.Handle
	Logger    *slog.Logger
}

// New returns a Negotiator with the default release window. A nil logger
// means slog.Default().
func New(ports Ports, stopper Stopper, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		Ports:           ports,
		Stopper:         stopper,
		ReleaseRetries:  DefaultReleaseRetries,
		ReleaseInterval: DefaultReleaseInterval,
		Logger:          logger,
	}
}

// Choose selects the action for in, consulting the provider only when the
// policy says so. It has no side effects besides the provider call.
func (n *Negotiator) Choose(ctx context.Context, in Input) (model.Action, bool, error) {
	owner := model.OwnerForeign
	if in.Binding != nil && in.Binding.Owner == model.OwnerFamily {
		owner = model.OwnerFamily
	}
	if in.Policy == model.PolicyAggressive {
		return model.ActionStopOther, false, nil
	}
	if owner == model.OwnerFamily {
		a, err := n.ask(ctx, in)
		return a, true, err
	}
	switch in.ForeignPolicy {
	case model.ForeignStop:
		return model.ActionStopOther, false, nil
	case model.ForeignAsk:
		a, err := n.ask(ctx, in)
		return a, true, err
	case model.ForeignCancel:
		return model.ActionCancel, false, nil
	default:
		return model.ActionUseAlternative, false, nil
	}
}

func (n *Negotiator) ask(ctx context.Context, in Input) (model.Action, error) {
	if in.Provider == nil {
		return model.ActionUseAlternative, nil
	}
	a, err := in.Provider.Decide(ctx, Prompt{
		Binding:     in.Binding,
		DesiredPort: in.DesiredPort,
		Framework:   in.Framework.Name,
		Choices:     append([]model.Action(nil), model.Choices...),
	})
	if err != nil {
		return 0, fmt.Errorf("decision provider: %w", err)
	}
	return a, nil
}

// Negotiate chooses an action and carries it out. A returned decision with
// ActionStopOther means the desired port is now free.
func (n *Negotiator) Negotiate(ctx context.Context, in Input) (model.ConflictDecision, error) {
	action, prompted, err := n.Choose(ctx, in)
	if err != nil {
		return model.ConflictDecision{}, err
	}
	n.Logger.Info("port conflict", "port", in.DesiredPort, "owner", ownerName(in.Binding),
		"pid", pidOf(in.Binding), "policy", in.Policy, "action", action, "prompted", prompted)

	dec := model.ConflictDecision{Action: action}
	switch action {
	case model.ActionUseAlternative:
		alt, ok := probe.First(n.Ports.FindAlternative(in.DesiredPort, in.Framework.Alternates, in.Excluded))
		if !ok {
			return dec, fmt.Errorf("%w for port %d", ErrNoAlternative, in.DesiredPort)
		}
		dec.AlternativePort = alt
		return dec, nil
	case model.ActionStopOther:
		if err := n.stopOther(ctx, in); err != nil {
			return dec, err
		}
		return dec, nil
	case model.ActionCancel:
		return dec, ErrCancelled
	default:
		return dec, fmt.Errorf("unknown conflict action %d", action)
	}
}

func (n *Negotiator) stopOther(ctx context.Context, in Input) error {
	if b := in.Binding; b != nil && b.PID > 0 {
		var h *process.Handle
		if n.OwnHandle != nil {
			h = n.OwnHandle(b.PID)
		}
		if h == nil {
			h = process.NewForeignHandle(b)
		}
		rep := n.Stopper.Stop(ctx, h)
		if rep.Warning != nil {
			n.Logger.Warn("occupant stopped but port lingers", "port", in.DesiredPort, "error", rep.Warning)
		}
	} else {
		n.Logger.Warn("occupant pid unknown, cannot signal it", "port", in.DesiredPort)
	}
	return n.awaitRelease(ctx, in.DesiredPort)
}

// awaitRelease probes port once, then up to ReleaseRetries more times.
func (n *Negotiator) awaitRelease(ctx context.Context, port int) error {
	interval := n.ReleaseInterval
	if interval <= 0 {
		interval = DefaultReleaseInterval
	}
	for attempt := 0; ; attempt++ {
		if n.Ports.IsAvailable(port) {
			return nil
		}
		if attempt >= n.ReleaseRetries {
			return fmt.Errorf("%w: port %d", ErrPortStillBound, port)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func ownerName(b *model.PortBinding) string {
	if b == nil {
		return model.OwnerUnknown.String()
	}
	return b.Owner.String()
}

func pidOf(b *model.PortBinding) int {
	if b == nil {
		return 0
	}
	return b.PID
}
