package hv

// Segment register indices into X86State.Segs.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	NumSegs
)

// Descriptor flag bits in SegmentCache.Flags. They follow the layout of the
// high dword of a segment descriptor.
const (
	DescTypeShift = 8
	DescTypeMask  = 0xF << DescTypeShift
	DescSMask     = 1 << 12
	DescDPLShift  = 13
	DescDPLMask   = 3 << DescDPLShift
	DescPMask     = 1 << 15
	DescAVLMask   = 1 << 20
	DescLMask     = 1 << 21
	DescBShift    = 22
	DescBMask     = 1 << DescBShift
	DescGMask     = 1 << 23

	// DescFlagsMask covers every bit the hardware attribute word carries.
	DescFlagsMask = DescTypeMask | DescSMask | DescDPLMask | DescPMask |
		DescAVLMask | DescLMask | DescBMask | DescGMask
)

const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3

	CR4OSFXSR = 1 << 9

	EFERLMA = 1 << 10

	RFLAGSTF   = 1 << 8
	RFLAGSIF   = 1 << 9
	RFLAGSIOPL = 3 << 12
	RFLAGSVM   = 1 << 17
)

// Hidden flag bits in X86State.HFlags, derived from architectural state.
const (
	HFCPLMask    = 3
	HFCS32Shift  = 4
	HFCS32Mask   = 1 << HFCS32Shift
	HFSS32Shift  = 5
	HFSS32Mask   = 1 << HFSS32Shift
	HFAddSegMask = 1 << 6
	HFPEShift    = 7
	HFPEMask     = 1 << HFPEShift
	HFTFMask     = 1 << 8
	HFMPShift    = 9
	HFMPMask     = 1 << HFMPShift
	HFEMMask     = 1 << 10
	HFTSMask     = 1 << 11
	HFIOPLMask   = 3 << 12
	HFLMAMask    = 1 << 14
	HFCS64Mask   = 1 << 15
	HFVMMask     = 1 << 17
	HFOSFXSRMask = 1 << 22

	hfDerivedMask = HFCPLMask | HFPEMask | HFMPMask | HFEMMask | HFTSMask |
		HFTFMask | HFVMMask | HFIOPLMask | HFOSFXSRMask | HFLMAMask |
		HFCS32Mask | HFSS32Mask | HFCS64Mask | HFAddSegMask
)

// FPUSTopShift locates the top-of-stack field inside the FPU status word.
// FPSTT is authoritative for that field: it replaces the field of FPUS when
// the state is written out, and FPUS carries it again when read back.
const (
	FPUSTopShift = 11
	FPUSTopMask  = 7 << FPUSTopShift
)

// SegmentCache is the software copy of a segment register.
type SegmentCache struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Flags    uint32
}

// X86State is the software register file of an x86-64 core.
type X86State struct {
	Regs   [16]uint64
	RIP    uint64
	RFLAGS uint64

	Segs [NumSegs]SegmentCache
	LDT  SegmentCache
	TR   SegmentCache
	GDT  SegmentCache
	IDT  SegmentCache

	// CR holds CR0 to CR4; CR8 lives in the local APIC.
	CR   [5]uint64
	XCR0 uint64
	DR   [8]uint64

	// FPSTT is the top of the register stack. FPTags[i] is true when
	// register i is empty.
	FPUC   uint16
	FPUS   uint16
	FPSTT  uint8
	FPTags [8]bool
	FPOp   uint16
	FPIP   uint64
	FPDP   uint64
	FPRegs [8][16]byte
	MXCSR  uint32
	XMM    [16][16]byte

	EFER         uint64
	STAR         uint64
	LSTAR        uint64
	CSTAR        uint64
	FMASK        uint64
	KernelGSBase uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	PAT          uint64
	TSC          uint64

	// TPRAccessType is the kind of the last TPR access the APIC trapped.
	TPRAccessType TPRAccess

	HFlags uint32
}

// UpdateHFlags recomputes the hidden flags from the control registers,
// EFER, RFLAGS and the segment caches.
func (s *X86State) UpdateHFlags() {
	hflags := s.HFlags &^ hfDerivedMask

	hflags |= (s.Segs[SegSS].Flags >> DescDPLShift) & HFCPLMask
	hflags |= uint32(s.CR[0]&CR0PE) << HFPEShift
	hflags |= uint32(s.CR[0]<<(HFMPShift-1)) & (HFMPMask | HFEMMask | HFTSMask)
	hflags |= uint32(s.RFLAGS) & (HFTFMask | HFVMMask | HFIOPLMask)
	if s.CR[4]&CR4OSFXSR != 0 {
		hflags |= HFOSFXSRMask
	}
	if s.EFER&EFERLMA != 0 {
		hflags |= HFLMAMask
	}

	if hflags&HFLMAMask != 0 && s.Segs[SegCS].Flags&DescLMask != 0 {
		hflags |= HFCS32Mask | HFSS32Mask | HFCS64Mask
	} else {
		hflags |= (s.Segs[SegCS].Flags & DescBMask) >> (DescBShift - HFCS32Shift)
		hflags |= (s.Segs[SegSS].Flags & DescBMask) >> (DescBShift - HFSS32Shift)
		if s.CR[0]&CR0PE == 0 || s.RFLAGS&RFLAGSVM != 0 || hflags&HFCS32Mask == 0 {
			hflags |= HFAddSegMask
		} else if s.Segs[SegDS].Base|s.Segs[SegES].Base|s.Segs[SegSS].Base != 0 {
			hflags |= HFAddSegMask
		}
	}

	s.HFlags = hflags
}

// CPL returns the current privilege level.
func (s *X86State) CPL() int { return int(s.HFlags & HFCPLMask) }

// InterruptsEnabled reports whether RFLAGS.IF is set.
func (s *X86State) InterruptsEnabled() bool { return s.RFLAGS&RFLAGSIF != 0 }

// ResetRealMode puts the core into the architectural reset state with the
// given code segment base and instruction pointer.
func (s *X86State) ResetRealMode(csBase uint64, ip uint64) {
	*s = X86State{}
	for i := range s.Segs {
		s.Segs[i] = SegmentCache{
			Limit: 0xFFFF,
			Flags: DescPMask | DescSMask | 3<<DescTypeShift,
		}
	}
	s.Segs[SegCS] = SegmentCache{
		Selector: uint16(csBase >> 4),
		Base:     csBase,
		Limit:    0xFFFF,
		Flags:    DescPMask | DescSMask | 0xB<<DescTypeShift,
	}
	s.LDT = SegmentCache{Limit: 0xFFFF, Flags: DescPMask | 2<<DescTypeShift}
	s.TR = SegmentCache{Limit: 0xFFFF, Flags: DescPMask | 0xB<<DescTypeShift}
	s.GDT.Limit = 0xFFFF
	s.IDT.Limit = 0xFFFF
	s.RIP = ip
	s.RFLAGS = 0x2
	s.CR[0] = 0x60000010
	s.XCR0 = 1
	s.DR[6] = 0xFFFF0FF0
	s.DR[7] = 0x400
	s.FPUC = 0x37F
	for i := range s.FPTags {
		s.FPTags[i] = true
	}
	s.MXCSR = 0x1F80
	s.PAT = 0x0007040600070406
	s.UpdateHFlags()
}
