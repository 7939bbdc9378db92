package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/portpilot/internal/framework"
	"github.com/loykin/portpilot/internal/logger"
)

// Spec describes one dev server launch.
type Spec struct {
	Name        string              `json:"name"`
	Command     string              `json:"command"`      // launch command; may contain {port}
	Args        []string            `json:"args"`         // extra arguments appended to Command
	Dir         string              `json:"dir"`          // working directory
	Workspace   string              `json:"workspace"`    // registry key, usually Dir
	DesiredPort int                 `json:"desired_port"` // port the caller asked for
	Port        int                 `json:"port"`         // resolved port handed to the child
	Framework   framework.Framework `json:"-"`            // supplies port arguments
	Env         []string            `json:"env"`          // per-server "K=V" entries
	Log         logger.FileConfig   `json:"log"`          // optional rotated copies of stdout/stderr
}

// Validate checks the fields Spawn relies on.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("server requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("server %q requires command", s.Name)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server %q has invalid port %d", s.Name, s.Port)
	}
	return nil
}

// scriptRunners need "--" before arguments meant for the script itself.
var scriptRunners = map[string]bool{"npm": true, "yarn": true, "pnpm": true, "bun": true}

// CommandLine renders the full command: {port} placeholders are substituted,
// otherwise Args and the framework's port arguments are appended.
func (s *Spec) CommandLine() string {
	cmd := strings.TrimSpace(s.Command)
	ps := strconv.Itoa(s.Port)
	if strings.Contains(cmd, framework.PortPlaceholder) {
		cmd = strings.ReplaceAll(cmd, framework.PortPlaceholder, ps)
		return joinArgs(cmd, s.Args)
	}
	extra := append(append([]string(nil), s.Args...), s.Framework.PortArguments(s.Port)...)
	if len(extra) == 0 {
		return cmd
	}
	if needsSeparator(cmd) {
		cmd += " --"
	}
	return joinArgs(cmd, extra)
}

func needsSeparator(cmd string) bool {
	f := strings.Fields(cmd)
	if len(f) < 3 || !scriptRunners[strings.TrimSuffix(filepath.Base(f[0]), ".cmd")] {
		return false
	}
	if f[1] != "run" && f[1] != "run-script" {
		return false
	}
	for _, a := range f[2:] {
		if a == "--" {
			return false
		}
	}
	return true
}

func joinArgs(cmd string, args []string) string {
	var b strings.Builder
	b.WriteString(cmd)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(quoteArg(a))
	}
	return b.String()
}

func quoteArg(a string) string {
	if a != "" && !strings.ContainsAny(a, " \t\n|&;<>*?`$\"'(){}[]~\\") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}

// BuildCommand constructs an *exec.Cmd for CommandLine. It avoids invoking a
// shell when not necessary and respects an explicit shell invocation already
// present in the command (e.g. "sh -c 'npm run dev'"), avoiding double-wrapping.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := s.CommandLine()
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the start
// of cmdStr and returns (shell, afterCArg, true). One pair of outer quotes
// around the script is stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
