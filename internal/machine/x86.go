package machine

import (
	"fmt"

	"github.com/tinyrange/nvmm/internal/hv"
)

const (
	apicBaseDefault = 0xFEE0_0000
	apicBaseEnable  = 1 << 11
	apicBaseBSP     = 1 << 8
)

// apicState is the part of a local APIC the accelerator synchronizes: the
// base MSR and the task priority.
type apicState struct {
	base uint64
	tpr  uint8
}

func newAPICState(bsp bool) apicState {
	s := apicState{base: apicBaseDefault | apicBaseEnable}
	if bsp {
		s.base |= apicBaseBSP
	}
	return s
}

// resetX86 applies INIT to cpu. The boot CPU restarts at the boot entry in
// real mode; the others wait for a startup IPI.
func (m *Machine) resetX86(cpu *hv.CPU) {
	bsp := cpu.Index == 0
	m.apic[cpu.Index] = newAPICState(bsp)
	if bsp {
		entry := m.cfg.Boot.Entry
		cpu.X86.ResetRealMode(entry&^0xFFFF, entry&0xFFFF)
		cpu.SetHalted(false)
		return
	}
	cpu.X86.ResetRealMode(0, 0)
	cpu.SetHalted(true)
}

// picOutput follows the PIC's interrupt output on the boot CPU.
func (m *Machine) picOutput(level bool) {
	cpu := m.cpus[0]
	if !level {
		cpu.ClearInterrupt(hv.InterruptHard)
		return
	}
	if !cpu.Pending(hv.InterruptHard) {
		cpu.RaiseInterrupt(hv.InterruptHard)
		m.kickCPU(0)
	}
}

func (m *Machine) APICTPR(cpu *hv.CPU) uint8            { return m.apic[cpu.Index].tpr }
func (m *Machine) SetAPICTPR(cpu *hv.CPU, tpr uint8)    { m.apic[cpu.Index].tpr = tpr }
func (m *Machine) APICBase(cpu *hv.CPU) uint64          { return m.apic[cpu.Index].base }
func (m *Machine) SetAPICBase(cpu *hv.CPU, base uint64) { m.apic[cpu.Index].base = base }

// APICPoll has nothing to do: interrupts reach the CPU through the PIC.
func (m *Machine) APICPoll(cpu *hv.CPU) {
	m.log.Debug("machine: apic poll", "cpu", cpu.Index)
}

// PICInterrupt acknowledges the PIC on behalf of the boot CPU, which is the
// only one its output is wired to.
func (m *Machine) PICInterrupt(cpu *hv.CPU) int {
	if cpu.Index != 0 || m.pic == nil {
		return -1
	}
	return m.pic.Acknowledge()
}

func (m *Machine) CPUInit(cpu *hv.CPU) {
	m.log.Debug("machine: cpu init", "cpu", cpu.Index)
	m.resetX86(cpu)
}

// CPUSIPI starts cpu in real mode at the page selected by the startup
// vector.
func (m *Machine) CPUSIPI(cpu *hv.CPU) {
	entry := m.sipiEntry[cpu.Index]
	m.log.Debug("machine: cpu startup", "cpu", cpu.Index, "entry", fmt.Sprintf("%#x", entry))
	cpu.X86.ResetRealMode(entry, 0)
	cpu.SetHalted(false)
}

func (m *Machine) TPRAccessReport(cpu *hv.CPU, ip uint64, access hv.TPRAccess) {
	m.log.Debug("machine: tpr access", "cpu", cpu.Index, "ip", fmt.Sprintf("%#x", ip), "access", access)
}

var _ hv.X86Platform = (*Machine)(nil)
