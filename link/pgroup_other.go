//go:build !unix

package link

import "os/exec"

// setProcessGroup is a no-op; cancellation kills only the direct child.
func setProcessGroup(x *exec.Cmd) {}
