//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"github.com/loykin/portpilot/internal/model"
)

// configureSysProcAttr places the server in its own process group so that
// shutdown can signal the whole tree (npm -> node -> esbuild ...) at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// groupAlive reports whether any member of the process group led by pgid
// still exists. The group outlives its leader.
func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func signalGroup(pgid int, sig model.Signal) error {
	s := syscall.SIGKILL
	switch sig {
	case model.SignalInterrupt:
		s = syscall.SIGINT
	case model.SignalTerminate:
		s = syscall.SIGTERM
	}
	err := syscall.Kill(-pgid, s)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
