//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// killProcessGroup runs the child in its own group and kills the whole
// group when the context expires, so grandchildren do not outlive a timeout.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
