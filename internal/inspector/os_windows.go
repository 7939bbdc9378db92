//go:build windows

package inspector

import (
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/portpilot/internal/model"
)

var (
	kernel32               = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess        = kernel32.NewProc("OpenProcess")
	procTerminateProcess   = kernel32.NewProc("TerminateProcess")
	procGetExitCodeProcess = kernel32.NewProc("GetExitCodeProcess")
	procCloseHandle        = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate               = 0x0001
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

func platformEnumerators() []Enumerator {
	return []Enumerator{SocketTable{}, NetstatTool{}}
}

// signalPID has no real signals to work with. Interrupt and Terminate ask
// taskkill to close the process politely; Kill terminates it outright.
func signalPID(pid int, sig model.Signal, group bool) error {
	if sig != model.SignalKill {
		args := []string{"/PID", strconv.Itoa(pid)}
		if group {
			args = append(args, "/T")
		}
		// #nosec G204
		_ = exec.Command("taskkill", args...).Run()
		return nil
	}
	if group {
		// #nosec G204
		_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
	}
	h, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		// Most often the process is already gone.
		return nil
	}
	defer func() { _ = closeHandle(h) }()
	ret, _, err := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func pidAlive(pid int) bool {
	h, err := openProcess(processQueryLimitedInformation, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = closeHandle(h) }()
	var code uint32
	ret, _, _ := procGetExitCodeProcess.Call(uintptr(h), uintptr(unsafe.Pointer(&code)))
	if ret == 0 {
		return true
	}
	return code == stillActive
}

func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(h))
	if ret == 0 {
		return err
	}
	return nil
}
