//go:build linux

package sandbox

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttrs puts the child in its own process group so the
// kill-on-timeout reaches grandchildren too.
func setProcAttrs(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		// Negative pid signals the whole group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// applyLimits installs RLIMIT_CPU and RLIMIT_FSIZE on the started
// child. Best effort: a child that exits before the prlimit call is
// already bounded by the context deadline.
func applyLimits(pid int, limits ResourceLimits) error {
	if limits.MaxCPUSeconds > 0 {
		lim := unix.Rlimit{Cur: limits.MaxCPUSeconds, Max: limits.MaxCPUSeconds}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return err
		}
	}
	if limits.MaxFileBytes > 0 {
		lim := unix.Rlimit{Cur: limits.MaxFileBytes, Max: limits.MaxFileBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, &lim, nil); err != nil {
			return err
		}
	}
	return nil
}
