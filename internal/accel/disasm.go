package accel

import (
	"encoding/hex"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/nvmm/internal/hv"
)

// disassemble renders the faulting instruction for an assist failure log
// line. Undecodable bytes are shown as hex.
func disassemble(arch hv.CpuArchitecture, code []byte) string {
	if len(code) == 0 {
		return "<no instruction bytes>"
	}

	switch arch {
	case hv.ArchitectureX86_64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			break
		}
		return x86asm.GNUSyntax(inst, 0, nil) + " [" + hex.EncodeToString(code[:inst.Len]) + "]"
	case hv.ArchitectureARM64:
		if len(code) < 4 {
			break
		}
		inst, err := arm64asm.Decode(code[:4])
		if err != nil {
			break
		}
		return arm64asm.GNUSyntax(inst) + " [" + hex.EncodeToString(code[:4]) + "]"
	}
	return "<undecodable " + hex.EncodeToString(code) + ">"
}
