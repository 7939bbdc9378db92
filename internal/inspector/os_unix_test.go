//go:build !windows

package inspector

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portpilot/internal/model"
)

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })
	return cmd
}

func waitExit(t *testing.T, cmd *exec.Cmd) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
		return nil
	}
}

func TestSignalGroupTerminates(t *testing.T) {
	cmd := startSleeper(t)
	s := New(nil)
	require.True(t, s.Alive(cmd.Process.Pid))

	require.NoError(t, s.Signal(cmd.Process.Pid, model.SignalTerminate, true))
	err := waitExit(t, cmd)
	var ee *exec.ExitError
	require.ErrorAs(t, err, &ee)
	ws := ee.Sys().(syscall.WaitStatus)
	assert.Equal(t, syscall.SIGTERM, ws.Signal())
}

func TestSignalSinglePidAndGone(t *testing.T) {
	cmd := startSleeper(t)
	s := New(nil)
	require.NoError(t, s.Signal(cmd.Process.Pid, model.SignalKill, false))
	_ = waitExit(t, cmd)

	// Already reaped: delivery to a missing process is not an error.
	assert.NoError(t, s.Signal(cmd.Process.Pid, model.SignalKill, true))
	assert.False(t, s.Alive(cmd.Process.Pid))
}

func TestUnixSignalMapping(t *testing.T) {
	assert.Equal(t, syscall.SIGINT, unixSignal(model.SignalInterrupt))
	assert.Equal(t, syscall.SIGTERM, unixSignal(model.SignalTerminate))
	assert.Equal(t, syscall.SIGKILL, unixSignal(model.SignalKill))
}
