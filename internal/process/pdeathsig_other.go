//go:build !linux

package process

import "syscall"

// Parent-death signals are Linux only; elsewhere listeners outlive a
// killed supervisor until they are stopped by hand.
func setPdeathsig(*syscall.SysProcAttr) {}
