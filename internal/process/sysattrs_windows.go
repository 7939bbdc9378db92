//go:build windows

package process

import (
	"os/exec"
	"syscall"

	"github.com/loykin/portpilot/internal/model"
)

const createNewProcessGroup = 0x00000200

// configureSysProcAttr starts the server in a new process group so console
// control events aimed at us do not reach it and vice versa.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// Windows cannot address a process group once its leader is gone; taskkill /T
// walks the tree from a live pid only.
func groupAlive(int) bool { return false }

func signalGroup(int, model.Signal) error { return nil }
