package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/loykin/portpilot"
)

const maxPromptAttempts = 3

// terminalPrompt asks the user which way to resolve a port conflict.
type terminalPrompt struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompt(in io.Reader, out io.Writer) *terminalPrompt {
	return &terminalPrompt{in: bufio.NewReader(in), out: out}
}

func (p *terminalPrompt) Decide(ctx context.Context, pr portpilot.Prompt) (portpilot.Action, error) {
	_, _ = fmt.Fprintf(p.out, "Port %d is already in use%s.\n", pr.DesiredPort, describeOwner(pr.Binding))
	for i, a := range pr.Choices {
		_, _ = fmt.Fprintf(p.out, "  %d) %s\n", i+1, choiceLabel(a))
	}
	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		_, _ = fmt.Fprint(p.out, "Choice [1]: ")
		line, err := p.readLine(ctx)
		if err != nil {
			return portpilot.ActionCancel, err
		}
		if a, ok := pickChoice(line, pr.Choices); ok {
			return a, nil
		}
		_, _ = fmt.Fprintf(p.out, "Unrecognised choice %q.\n", line)
	}
	return portpilot.ActionCancel, nil
}

// readLine returns one line of input, giving up when ctx ends.
func (p *terminalPrompt) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && (r.err != io.EOF || r.line == "") {
			return "", fmt.Errorf("read answer: %w", r.err)
		}
		return strings.TrimSpace(r.line), nil
	}
}

// pickChoice accepts a 1-based index, an action name, or an empty line for the first choice.
func pickChoice(in string, choices []portpilot.Action) (portpilot.Action, bool) {
	if len(choices) == 0 {
		return portpilot.ActionCancel, false
	}
	if in == "" {
		return choices[0], true
	}
	if n, err := strconv.Atoi(in); err == nil {
		if n < 1 || n > len(choices) {
			return 0, false
		}
		return choices[n-1], true
	}
	a, err := portpilot.ParseAction(in)
	if err != nil {
		return 0, false
	}
	for _, c := range choices {
		if c == a {
			return a, true
		}
	}
	return 0, false
}

func choiceLabel(a portpilot.Action) string {
	switch a {
	case portpilot.ActionUseAlternative:
		return "start on another port"
	case portpilot.ActionStopOther:
		return "stop the running server and take its port"
	case portpilot.ActionCancel:
		return "cancel"
	default:
		return a.String()
	}
}

func describeOwner(b *portpilot.PortBinding) string {
	if b == nil {
		return ""
	}
	switch {
	case b.CommandLine != "" && b.PID > 0:
		return fmt.Sprintf(" by %q (pid %d)", b.CommandLine, b.PID)
	case b.PID > 0:
		return fmt.Sprintf(" by pid %d", b.PID)
	default:
		return ""
	}
}
