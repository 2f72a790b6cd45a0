//go:build windows

package megacli

import (
	"os/exec"
	"strconv"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// taskkill /T takes the whole child tree down
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		cmd.Process.Kill()
	}
}
