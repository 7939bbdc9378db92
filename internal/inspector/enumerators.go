package inspector

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// SocketTable enumerates listeners through gopsutil.
type SocketTable struct{}

func (SocketTable) ListenerPID(ctx context.Context, port int) (int, bool, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, false, err
	}
	found := false
	for _, c := range conns {
		if int(c.Laddr.Port) != port || !strings.EqualFold(c.Status, "LISTEN") {
			continue
		}
		if c.Pid > 0 {
			return int(c.Pid), true, nil
		}
		found = true
	}
	return 0, found, nil
}

func (SocketTable) Describe() string { return "gopsutil:sockets" }

// LsofTool asks lsof for the listener pid.
type LsofTool struct{ Path string }

func (l LsofTool) ListenerPID(ctx context.Context, port int) (int, bool, error) {
	bin := l.Path
	if bin == "" {
		bin = "lsof"
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, bin, "-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN", "-t")
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		// lsof exits 1 with empty output when nothing matches
		if errors.As(err, &ee) && ee.ExitCode() == 1 && len(strings.TrimSpace(string(out))) == 0 {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, ok := parseLsof(string(out))
	return pid, ok, nil
}

func (l LsofTool) Describe() string { return "cmd:lsof" }

// NetstatTool parses `netstat -ano -p tcp` output (Windows).
type NetstatTool struct{}

func (NetstatTool) ListenerPID(ctx context.Context, port int) (int, bool, error) {
	// #nosec G204
	out, err := exec.CommandContext(ctx, "netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return 0, false, err
	}
	pid, ok := parseNetstat(string(out), port)
	return pid, ok, nil
}

func (NetstatTool) Describe() string { return "cmd:netstat" }

// parseLsof reads the first pid from `lsof -t` output.
func parseLsof(out string) (int, bool) {
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}

// parseNetstat finds a LISTENING row whose local address ends in :port.
// Rows look like "TCP    0.0.0.0:3000    0.0.0.0:0    LISTENING    1234".
func parseNetstat(out string, port int) (int, bool) {
	suffix := ":" + strconv.Itoa(port)
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		f := strings.Fields(s.Text())
		if len(f) < 5 || !strings.EqualFold(f[0], "TCP") {
			continue
		}
		if !strings.EqualFold(f[3], "LISTENING") || !strings.HasSuffix(f[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(f[4])
		if err != nil {
			continue
		}
		return pid, true
	}
	return 0, false
}
