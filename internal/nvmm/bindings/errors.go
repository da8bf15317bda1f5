// Package bindings loads libnvmm at runtime and exposes it as an
// nvmm.Kernel. On hosts without NVMM, Open reports
// nvmm.ErrHypervisorUnsupported.
package bindings

import (
	"fmt"
	"syscall"
)

// Error is a failed libnvmm call.
type Error struct {
	Op    string
	Errno syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("nvmm: %s: %s", e.Op, e.Errno.Error())
}

func (e *Error) Unwrap() error { return e.Errno }
