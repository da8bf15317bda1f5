// Package nvmm describes the contract exposed by the NetBSD Virtual Machine
// Monitor: capability negotiation, the machine and VCPU objects and the
// hypervisor-owned state, exit and event blocks shared with the kernel.
//
// The layouts in this package match the C ABI of libnvmm so that a binding
// can alias the kernel communication page directly.
package nvmm

import (
	"errors"
	"unsafe"
)

// KernVersion is the oldest NVMM ABI revision this package understands.
const KernVersion = 2

var (
	ErrHypervisorUnsupported = errors.New("nvmm: hypervisor unsupported on this host")
	ErrUnsupportedVersion    = errors.New("nvmm: unsupported hypervisor version")
	ErrStateSizeMismatch     = errors.New("nvmm: state block size mismatch")
)

// CapabilityMD is the machine-dependent part of the capability descriptor.
type CapabilityMD struct {
	MachConfSupport uint64
	VCPUConfSupport uint64
	XCR0Mask        uint64
	MXCSRMask       uint32
	ConfCPUIDMaxOps uint32
	_               [6]uint64
}

// Capability is the negotiation result returned by the hypervisor.
type Capability struct {
	Version     uint32
	StateSize   uint32
	MaxMachines uint32
	MaxVCPUs    uint32
	MaxRAM      uint64
	Arch        CapabilityMD
	_           [8]uint64
}

// VCPU configuration support bits in CapabilityMD.VCPUConfSupport.
const (
	CapVCPUConfCPUID uint64 = 0x01
	CapVCPUConfTPR   uint64 = 0x02
)

// SupportsVCPUConf reports whether the hypervisor accepts the given
// machine-dependent VCPU configuration.
func (c Capability) SupportsVCPUConf(bit uint64) bool {
	return c.Arch.VCPUConfSupport&bit != 0
}

// Prot is the permission set of a guest-physical mapping.
type Prot int32

const (
	ProtRead  Prot = 0x01
	ProtWrite Prot = 0x02
	ProtExec  Prot = 0x04
)

// StateCategory selects which parts of the VCPU state block a get or set
// operation transfers.
type StateCategory uint64

// Machine is a hypervisor machine handle. Priv belongs to the Kernel
// implementation that created it.
type Machine struct {
	ID   uint32
	Priv any
}

// VCPU is a hypervisor VCPU handle. The state, exit and event blocks are
// owned by the hypervisor and reused for every run.
type VCPU struct {
	ID    uint32
	Exit  *Exit
	Event *Event
	Priv  any

	state unsafe.Pointer
}

// NewVCPU wraps hypervisor-owned blocks into a VCPU handle.
func NewVCPU(id uint32, state unsafe.Pointer, exit *Exit, event *Event) *VCPU {
	return &VCPU{ID: id, Exit: exit, Event: event, state: state}
}

// X64State returns the state block interpreted as x86-64 state.
func (v *VCPU) X64State() *X64State { return (*X64State)(v.state) }

// AArch64State returns the state block interpreted as AArch64 state.
func (v *VCPU) AArch64State() *AArch64State { return (*AArch64State)(v.state) }

// ExitReason is the code the hypervisor reports when a run returns.
type ExitReason uint64

const (
	ExitNone    ExitReason = 0x0000
	ExitStopped ExitReason = 0x0001
	ExitInvalid ExitReason = 0xFFFFFFFFFFFFFFFF

	ExitMemory ExitReason = 0x0100
	ExitIO     ExitReason = 0x0101

	ExitShutdown   ExitReason = 0x1000
	ExitIntReady   ExitReason = 0x1001
	ExitNMIReady   ExitReason = 0x1002
	ExitHalted     ExitReason = 0x1003
	ExitTPRChanged ExitReason = 0x1004

	ExitRDMSR   ExitReason = 0x2000
	ExitWRMSR   ExitReason = 0x2001
	ExitMonitor ExitReason = 0x2002
	ExitMWait   ExitReason = 0x2003
	ExitCPUID   ExitReason = 0x2004

	ExitSysReg ExitReason = 0x2100
	ExitWFE    ExitReason = 0x2101
)

var exitReasonNames = map[ExitReason]string{
	ExitNone:       "none",
	ExitStopped:    "stopped",
	ExitInvalid:    "invalid",
	ExitMemory:     "memory",
	ExitIO:         "io",
	ExitShutdown:   "shutdown",
	ExitIntReady:   "int-ready",
	ExitNMIReady:   "nmi-ready",
	ExitHalted:     "halted",
	ExitTPRChanged: "tpr-changed",
	ExitRDMSR:      "rdmsr",
	ExitWRMSR:      "wrmsr",
	ExitMonitor:    "monitor",
	ExitMWait:      "mwait",
	ExitCPUID:      "cpuid",
	ExitSysReg:     "sysreg",
	ExitWFE:        "wfe",
}

func (r ExitReason) String() string {
	if name, ok := exitReasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseExitReason maps a name printed by String back to its code.
func ParseExitReason(name string) (ExitReason, bool) {
	for r, n := range exitReasonNames {
		if n == name {
			return r, true
		}
	}
	return 0, false
}

const (
	exitPayloadSize = 32
	exitStateSize   = 24
)

// Exit is the exit information block. Only the payload matching Reason is
// meaningful. The trailing exit state is captured on every exit and is
// machine dependent: see X64ExitState and AArch64ExitState.
type Exit struct {
	Reason ExitReason
	u      [exitPayloadSize]byte
	state  [exitStateSize]byte
}

// MemoryExit is the payload of ExitMemory.
type MemoryExit struct {
	Prot      Prot
	GPA       uint64
	InstLen   uint8
	InstBytes [15]byte
}

// Instruction returns the bytes of the faulting instruction, if provided.
func (m *MemoryExit) Instruction() []byte {
	n := int(m.InstLen)
	if n > len(m.InstBytes) {
		n = len(m.InstBytes)
	}
	return m.InstBytes[:n]
}

// InvalidExit is the payload of ExitInvalid.
type InvalidExit struct {
	HWCode uint64
}

func (e *Exit) Memory() *MemoryExit   { return (*MemoryExit)(unsafe.Pointer(&e.u[0])) }
func (e *Exit) Invalid() *InvalidExit { return (*InvalidExit)(unsafe.Pointer(&e.u[0])) }

// EventType selects what kind of event Inject delivers.
type EventType uint32

const (
	EventException EventType = 0
	EventInterrupt EventType = 1

	EventIRQ EventType = 1
	EventFIQ EventType = 2
)

// Event is the pending-event block consumed by Inject.
type Event struct {
	Type   EventType
	Vector uint8
	Error  uint64
}

// ConfOp identifies a VCPU configuration operation.
type ConfOp uint64

const (
	ConfCallbacks ConfOp = 0
	confMDBegin   ConfOp = 100

	ConfCPUID ConfOp = confMDBegin + 0
	ConfTPR   ConfOp = confMDBegin + 1
)

// VCPUConf is one VCPU configuration request.
type VCPUConf interface {
	Op() ConfOp
}

// IOAccess describes a port I/O access being emulated by AssistIO.
type IOAccess struct {
	Port uint16
	In   bool
	Data []byte
}

// MemAccess describes a guest memory access being emulated by AssistMem.
type MemAccess struct {
	GPA   uint64
	Write bool
	Data  []byte
}

// CallbacksConf installs the assist callbacks for a VCPU. The callbacks run
// on the thread that called AssistIO or AssistMem.
type CallbacksConf struct {
	IO  func(*IOAccess)
	Mem func(*MemAccess)
}

func (CallbacksConf) Op() ConfOp { return ConfCallbacks }

// CPUIDRegs holds one leaf's register values.
type CPUIDRegs struct {
	EAX, EBX, ECX, EDX uint32
}

// CPUIDConf masks the bits the guest sees for a CPUID leaf.
type CPUIDConf struct {
	Mask bool
	Exit bool
	Leaf uint32
	Set  CPUIDRegs
	Del  CPUIDRegs
}

func (CPUIDConf) Op() ConfOp { return ConfCPUID }

// TPRConf requests an exit each time the guest changes CR8.
type TPRConf struct {
	ExitChanged bool
}

func (TPRConf) Op() ConfOp { return ConfTPR }

// Kernel is the hypervisor interface consumed by the acceleration layer.
type Kernel interface {
	Capability() (Capability, error)

	CreateMachine() (*Machine, error)
	DestroyMachine(m *Machine) error

	MapHVA(m *Machine, hva uintptr, size uint64) error
	UnmapHVA(m *Machine, hva uintptr, size uint64) error
	MapGPA(m *Machine, hva uintptr, gpa uint64, size uint64, prot Prot) error
	UnmapGPA(m *Machine, hva uintptr, gpa uint64, size uint64) error

	CreateVCPU(m *Machine, id uint32) (*VCPU, error)
	DestroyVCPU(m *Machine, v *VCPU) error
	ConfigureVCPU(m *Machine, v *VCPU, conf VCPUConf) error

	GetState(m *Machine, v *VCPU, cats StateCategory) error
	SetState(m *Machine, v *VCPU, cats StateCategory) error
	Inject(m *Machine, v *VCPU) error
	Run(m *Machine, v *VCPU) error

	AssistMem(m *Machine, v *VCPU) error
	AssistIO(m *Machine, v *VCPU) error
}

// Stopper is implemented by kernels that can force a VCPU out of Run. Stop
// is safe to call from any thread; a stop issued before Run makes the next
// Run return ExitStopped immediately.
type Stopper interface {
	Stop(v *VCPU) error
}
