//go:build windows

package worker

import (
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

const createNewProcessGroup = 0x00000200
const ctrlBreakEvent = 1

var (
	kernel32                     = syscall.NewLazyDLL("kernel32.dll")
	procGenerateConsoleCtrlEvent = kernel32.NewProc("GenerateConsoleCtrlEvent")
)

func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// requestStopPlatform asks the child's process group to break, the
// Windows analogue of SIGTERM for a console application.
func requestStopPlatform(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	ret, _, err := procGenerateConsoleCtrlEvent.Call(uintptr(ctrlBreakEvent), uintptr(cmd.Process.Pid))
	if ret == 0 {
		return err
	}
	return nil
}

func killPlatform(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return p.Kill()
}
