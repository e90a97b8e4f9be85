//go:build !linux

package sandbox

import "os/exec"

// setProcAttrs is a no-op where process groups or prlimit are not
// available; the context deadline still kills the direct child.
func setProcAttrs(cmd *exec.Cmd) {}

// applyLimits is a no-op off Linux.
func applyLimits(pid int, limits ResourceLimits) error { return nil }
