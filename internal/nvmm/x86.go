package nvmm

import "unsafe"

// Segment slots in X64State.Segs.
const (
	X64SegES = iota
	X64SegCS
	X64SegSS
	X64SegDS
	X64SegFS
	X64SegGS
	X64SegGDT
	X64SegIDT
	X64SegLDT
	X64SegTR
	X64NSeg
)

// General purpose register slots in X64State.GPRs.
const (
	X64GPRRAX = iota
	X64GPRRCX
	X64GPRRDX
	X64GPRRBX
	X64GPRRSP
	X64GPRRBP
	X64GPRRSI
	X64GPRRDI
	X64GPRR8
	X64GPRR9
	X64GPRR10
	X64GPRR11
	X64GPRR12
	X64GPRR13
	X64GPRR14
	X64GPRR15
	X64GPRRIP
	X64GPRRFLAGS
	X64NGPR
)

// Control register slots in X64State.CRs.
const (
	X64CRCR0 = iota
	X64CRCR2
	X64CRCR3
	X64CRCR4
	X64CRCR8
	X64CRXCR0
	X64NCR
)

// Debug register slots in X64State.DRs.
const (
	X64DRDR0 = iota
	X64DRDR1
	X64DRDR2
	X64DRDR3
	X64DRDR6
	X64DRDR7
	X64NDR
)

// MSR slots in X64State.MSRs.
const (
	X64MSREFER = iota
	X64MSRSTAR
	X64MSRLSTAR
	X64MSRCSTAR
	X64MSRSFMASK
	X64MSRKERNELGSBASE
	X64MSRSYSENTERCS
	X64MSRSYSENTERESP
	X64MSRSYSENTEREIP
	X64MSRPAT
	X64MSRTSC
	X64NMSR
)

// State categories for x86-64.
const (
	X64StateSegs StateCategory = 0x01
	X64StateGPRs StateCategory = 0x02
	X64StateCRs  StateCategory = 0x04
	X64StateDRs  StateCategory = 0x08
	X64StateMSRs StateCategory = 0x10
	X64StateIntr StateCategory = 0x20
	X64StateFPU  StateCategory = 0x40
	X64StateAll  StateCategory = 0x7F
)

// SegmentAttrib is the packed attribute word of a segment:
// type:4 s:1 dpl:2 p:1 avl:1 l:1 def:1 g:1 rsvd:4.
type SegmentAttrib uint16

const (
	attribTypeShift = 0
	attribSShift    = 4
	attribDPLShift  = 5
	attribPShift    = 7
	attribAVLShift  = 8
	attribLShift    = 9
	attribDefShift  = 10
	attribGShift    = 11
)

// SegmentAttribFields is the unpacked form of SegmentAttrib.
type SegmentAttribFields struct {
	Type uint8
	S    bool
	DPL  uint8
	P    bool
	AVL  bool
	L    bool
	Def  bool
	G    bool
}

func bit(b bool, shift uint) SegmentAttrib {
	if b {
		return 1 << shift
	}
	return 0
}

// PackSegmentAttrib encodes the attribute fields; the reserved bits are zero.
func PackSegmentAttrib(f SegmentAttribFields) SegmentAttrib {
	return SegmentAttrib(f.Type&0xF)<<attribTypeShift |
		bit(f.S, attribSShift) |
		SegmentAttrib(f.DPL&0x3)<<attribDPLShift |
		bit(f.P, attribPShift) |
		bit(f.AVL, attribAVLShift) |
		bit(f.L, attribLShift) |
		bit(f.Def, attribDefShift) |
		bit(f.G, attribGShift)
}

// Fields decodes the attribute word.
func (a SegmentAttrib) Fields() SegmentAttribFields {
	return SegmentAttribFields{
		Type: uint8(a>>attribTypeShift) & 0xF,
		S:    a&(1<<attribSShift) != 0,
		DPL:  uint8(a>>attribDPLShift) & 0x3,
		P:    a&(1<<attribPShift) != 0,
		AVL:  a&(1<<attribAVLShift) != 0,
		L:    a&(1<<attribLShift) != 0,
		Def:  a&(1<<attribDefShift) != 0,
		G:    a&(1<<attribGShift) != 0,
	}
}

// X64Segment is one segment or descriptor-table register.
type X64Segment struct {
	Selector uint16
	Attrib   SegmentAttrib
	Limit    uint32
	Base     uint64
}

// X64Intr is the interrupt state word:
// int_shadow:1 int_window_exiting:1 nmi_window_exiting:1 evt_pending:1.
type X64Intr uint64

const (
	X64IntrShadow           X64Intr = 1 << 0
	X64IntrWindowExiting    X64Intr = 1 << 1
	X64IntrNMIWindowExiting X64Intr = 1 << 2
	X64IntrEvtPending       X64Intr = 1 << 3
)

// Has reports whether all bits of f are set.
func (i X64Intr) Has(f X64Intr) bool { return i&f == f }

// With returns i with f set or cleared.
func (i X64Intr) With(f X64Intr, on bool) X64Intr {
	if on {
		return i | f
	}
	return i &^ f
}

// X64ExitState is the state the hypervisor captures at every exit. Intr
// uses the same bit layout as X64State.Intr.
type X64ExitState struct {
	RFLAGS uint64
	CR8    uint64
	Intr   X64Intr
}

// FXSave is the legacy FXSAVE area.
type FXSave struct {
	CW        uint16
	SW        uint16
	TW        uint8
	_         uint8
	Opcode    uint16
	RIP       uint64
	RDP       uint64
	MXCSR     uint32
	MXCSRMask uint32
	ST        [8][16]byte
	XMM       [16][16]byte
	_         [96]byte
}

// X64State is the x86-64 VCPU state block.
type X64State struct {
	Segs [X64NSeg]X64Segment
	GPRs [X64NGPR]uint64
	CRs  [X64NCR]uint64
	DRs  [X64NDR]uint64
	MSRs [X64NMSR]uint64
	Intr X64Intr
	FPU  FXSave
}

// X64StateSize is the state block size for x86-64.
const X64StateSize = uint32(unsafe.Sizeof(X64State{}))

// IOExit is the payload of ExitIO.
type IOExit struct {
	In          bool
	Port        uint16
	Seg         int8
	AddressSize uint8
	OperandSize uint8
	Rep         bool
	Str         bool
	NPC         uint64
}

// RDMSRExit is the payload of ExitRDMSR.
type RDMSRExit struct {
	MSR uint32
	NPC uint64
}

// WRMSRExit is the payload of ExitWRMSR.
type WRMSRExit struct {
	MSR uint32
	Val uint64
	NPC uint64
}

// InsnExit is the payload of ExitMonitor and ExitMWait.
type InsnExit struct {
	NPC uint64
}

func (e *Exit) IO() *IOExit       { return (*IOExit)(unsafe.Pointer(&e.u[0])) }
func (e *Exit) RDMSR() *RDMSRExit { return (*RDMSRExit)(unsafe.Pointer(&e.u[0])) }
func (e *Exit) WRMSR() *WRMSRExit { return (*WRMSRExit)(unsafe.Pointer(&e.u[0])) }
func (e *Exit) Insn() *InsnExit   { return (*InsnExit)(unsafe.Pointer(&e.u[0])) }

func (e *Exit) X64ExitState() *X64ExitState {
	return (*X64ExitState)(unsafe.Pointer(&e.state[0]))
}
