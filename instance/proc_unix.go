//go:build unix

package instance

import (
	"os/exec"
	"syscall"
)

// The server runs in its own process group so a force terminate reaches any
// children the JVM forked.

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
