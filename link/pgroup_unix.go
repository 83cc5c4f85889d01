//go:build unix

package link

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the command as the leader of a new process group and
// makes cancellation kill the whole group.
func setProcessGroup(x *exec.Cmd) {
	x.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	x.Cancel = func() error {
		if x.Process == nil {
			return nil
		}
		err := unix.Kill(-x.Process.Pid, unix.SIGKILL)
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
}
