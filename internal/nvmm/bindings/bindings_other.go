//go:build !netbsd

package bindings

import "github.com/tinyrange/nvmm/internal/nvmm"

// Open reports nvmm.ErrHypervisorUnsupported; NVMM only exists on NetBSD.
func Open() (nvmm.Kernel, error) {
	return nil, nvmm.ErrHypervisorUnsupported
}
