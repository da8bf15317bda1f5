package machine

import "github.com/tinyrange/nvmm/internal/hv"

// AArch64 interrupt lines of the boot CPU.
const (
	armLineIRQ = 0
	armLineFIQ = 1
)

// armInterruptSink drives the IRQ and FIQ inputs of the boot CPU. Both are
// level triggered: a request stays pending until its line drops.
type armInterruptSink struct {
	m *Machine
}

func (s armInterruptSink) SetIRQ(line uint8, level bool) {
	var mask hv.InterruptRequest
	switch line {
	case armLineIRQ:
		mask = hv.InterruptHard
	case armLineFIQ:
		mask = hv.InterruptFIQ
	default:
		return
	}

	cpu := s.m.cpus[0]
	if !level {
		cpu.ClearInterrupt(mask)
		return
	}
	cpu.RaiseInterrupt(mask)
	s.m.kickCPU(0)
}

// resetARM puts cpu at entry in EL1h with interrupts masked. A CPU that is
// not started stays halted.
func (m *Machine) resetARM(cpu *hv.CPU, entry uint64, start bool) {
	s := cpu.ARM64
	s.X = [32]uint64{}
	s.SP = [2]uint64{}
	s.ELRel1 = 0
	s.PC = entry
	s.PState = arm64BootPState
	s.UpdateMode()

	s.MIDR = arm64DefaultMIDR
	s.MPIDR = arm64MPIDRRES1 | uint64(cpu.Index)
	s.CNTFRQ = arm64DefaultCNTFRQ

	cpu.SetHalted(!start)
}
