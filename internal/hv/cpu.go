package hv

import "sync/atomic"

// InterruptRequest is the pending-event bitmask of a CPU.
type InterruptRequest uint32

const (
	InterruptHard InterruptRequest = 1 << iota
	InterruptNMI
	InterruptTPR
	InterruptInit
	InterruptSIPI
	InterruptPoll
	InterruptSMI
	InterruptFIQ
)

// CPU is the emulator's view of one virtual core. Exactly one of X86 and
// ARM64 is set, matching Arch.
type CPU struct {
	Index int
	Arch  CpuArchitecture

	X86   *X86State
	ARM64 *ARM64State

	// ExitRequest asks the core to leave guest execution as soon as
	// possible. It is set from any thread and cleared by the core once its
	// run loop has returned.
	ExitRequest atomic.Bool

	// ExceptionIndex records why the last execution slice ended.
	ExceptionIndex int

	// Accel holds the accelerator's per-core context.
	Accel any

	halted    atomic.Bool
	interrupt atomic.Uint32
}

// Exception indices stored in CPU.ExceptionIndex.
const (
	ExceptionNone      = -1
	ExceptionInterrupt = 0x10000
	ExceptionHalted    = 0x10001
)

// NewCPU allocates a core with an empty register file for arch.
func NewCPU(index int, arch CpuArchitecture) *CPU {
	cpu := &CPU{Index: index, Arch: arch, ExceptionIndex: ExceptionNone}
	switch arch {
	case ArchitectureX86_64:
		cpu.X86 = &X86State{}
	case ArchitectureARM64:
		cpu.ARM64 = NewARM64State(DefaultARM64CPRegs()...)
	}
	return cpu
}

func (c *CPU) Halted() bool     { return c.halted.Load() }
func (c *CPU) SetHalted(h bool) { c.halted.Store(h) }

// Pending reports whether any of the bits in mask are pending.
func (c *CPU) Pending(mask InterruptRequest) bool {
	return InterruptRequest(c.interrupt.Load())&mask != 0
}

// InterruptRequest returns the pending bitmask.
func (c *CPU) InterruptRequest() InterruptRequest {
	return InterruptRequest(c.interrupt.Load())
}

// RaiseInterrupt marks mask pending and asks the core to exit so that it
// notices. The caller kicks the core.
func (c *CPU) RaiseInterrupt(mask InterruptRequest) {
	c.interrupt.Or(uint32(mask))
	c.ExitRequest.Store(true)
}

// ClearInterrupt clears the bits in mask.
func (c *CPU) ClearInterrupt(mask InterruptRequest) {
	c.interrupt.And(^uint32(mask))
}
