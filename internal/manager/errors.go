package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/portpilot/internal/negotiate"
	"github.com/loykin/portpilot/internal/process"
	"github.com/loykin/portpilot/internal/readiness"
	"github.com/loykin/portpilot/internal/registry"
)

// Kind groups start failures by what the caller can do about them.
type Kind int

const (
	// KindFailed covers spawn errors, premature exits, and unresolvable conflicts.
	KindFailed Kind = iota
	// KindBusy means a server already runs for the same workspace and port.
	KindBusy
	// KindCancelled means the user or the caller's context called it off.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// StartError is the only error type Start returns.
type StartError struct {
	Kind   Kind
	Reason string
	// Alternatives lists free ports the caller could retry with.
	Alternatives  []int
	StderrExcerpt string
	Err           error
}

func (e *StartError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason)
	if e.Err != nil && !strings.Contains(e.Reason, e.Err.Error()) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StartError) Unwrap() error { return e.Err }

// IsBusy reports whether err is a StartError of kind Busy.
func IsBusy(err error) bool { return kindOf(err) == KindBusy }

// IsCancelled reports whether err is a StartError of kind Cancelled.
func IsCancelled(err error) bool { return kindOf(err) == KindCancelled }

func kindOf(err error) Kind {
	var se *StartError
	if errors.As(err, &se) {
		return se.Kind
	}
	return -1
}

// startError maps a component error onto a StartError.
func startError(err error, port int) *StartError {
	var (
		se *process.SpawnError
		ee *readiness.ExitedError
	)
	switch {
	case errors.Is(err, registry.ErrKeyBusy):
		return &StartError{Kind: KindBusy, Reason: fmt.Sprintf("port %d already has a running server in this workspace", port), Err: err}
	case errors.Is(err, negotiate.ErrCancelled):
		return &StartError{Kind: KindCancelled, Reason: "start cancelled by user", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &StartError{Kind: KindCancelled, Reason: "start cancelled", Err: err}
	case errors.Is(err, negotiate.ErrNoAlternative):
		return &StartError{Kind: KindFailed, Reason: fmt.Sprintf("port %d is busy and no alternative port is free", port), Err: err}
	case errors.Is(err, negotiate.ErrPortStillBound):
		return &StartError{Kind: KindFailed, Reason: fmt.Sprintf("port %d is still in use after stopping its owner", port), Err: err}
	case errors.As(err, &se):
		return &StartError{Kind: KindFailed, Reason: "could not launch server: " + se.Reason, Err: err}
	case errors.As(err, &ee):
		return &StartError{Kind: KindFailed, Reason: fmt.Sprintf("server exited before becoming ready (exit code %d)", ee.ExitCode), StderrExcerpt: ee.Stderr, Err: err}
	}
	return &StartError{Kind: KindFailed, Reason: "start failed", Err: err}
}
