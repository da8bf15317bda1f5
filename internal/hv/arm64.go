package hv

import "sort"

// PSTATE bits.
const (
	PStateSP   = 1 << 0
	PStateMode = 0xF
	PStateF    = 1 << 6
	PStateI    = 1 << 7
	PStateA    = 1 << 8
	PStateD    = 1 << 9
	PStateDAIF = PStateD | PStateA | PStateI | PStateF
	PStateNZCV = 0xF << 28
)

// FPCR and FPSR bits that are architecturally defined for AArch64.
const (
	FPSRMask = 0xF800009F
	FPCRMask = 0x07FF9F00
)

// CPReg describes a system register implemented by the CPU model.
type CPReg struct {
	Key  uint32
	Name string
	// NoRaw marks registers that cannot be written back raw, such as
	// identification registers.
	NoRaw bool
}

// ARM64State is the software register file of an AArch64 core.
type ARM64State struct {
	X      [32]uint64
	SP     [2]uint64
	PC     uint64
	PState uint32
	ELRel1 uint64
	V      [32][16]byte

	// EL and SPSel are derived from PState by UpdateMode.
	EL    uint8
	SPSel bool

	MIDR    uint64
	MPIDR   uint64
	CNTFRQ  uint64
	fpcr    uint32
	fpsr    uint32
	cpregs  []CPReg
	cpvals  []uint64
	cpindex map[uint32]int
}

// NewARM64State returns a register file implementing regs.
func NewARM64State(regs ...CPReg) *ARM64State {
	s := &ARM64State{}
	s.SetCPRegs(regs)
	return s
}

// SetCPRegs replaces the set of implemented system registers. Values are
// reset to zero.
func (s *ARM64State) SetCPRegs(regs []CPReg) {
	s.cpregs = append([]CPReg(nil), regs...)
	sort.Slice(s.cpregs, func(i, j int) bool { return s.cpregs[i].Key < s.cpregs[j].Key })
	s.cpvals = make([]uint64, len(s.cpregs))
	s.cpindex = make(map[uint32]int, len(s.cpregs))
	for i, r := range s.cpregs {
		s.cpindex[r.Key] = i
	}
}

// LookupCPReg returns the index of the register with the given key.
func (s *ARM64State) LookupCPReg(key uint32) (int, *CPReg, bool) {
	i, ok := s.cpindex[key]
	if !ok {
		return -1, nil, false
	}
	return i, &s.cpregs[i], true
}

func (s *ARM64State) CPRegValue(idx int) uint64         { return s.cpvals[idx] }
func (s *ARM64State) SetCPRegValue(idx int, val uint64) { s.cpvals[idx] = val }

// CPRegByKey returns the value of a register by key.
func (s *ARM64State) CPRegByKey(key uint32) (uint64, bool) {
	i, ok := s.cpindex[key]
	if !ok {
		return 0, false
	}
	return s.cpvals[i], true
}

func (s *ARM64State) FPCR() uint32     { return s.fpcr }
func (s *ARM64State) FPSR() uint32     { return s.fpsr }
func (s *ARM64State) SetFPCR(v uint32) { s.fpcr = v & FPCRMask }
func (s *ARM64State) SetFPSR(v uint32) { s.fpsr = v & FPSRMask }

// UpdateMode recomputes the exception level and stack selection from PState.
func (s *ARM64State) UpdateMode() {
	s.EL = uint8(s.PState>>2) & 3
	s.SPSel = s.PState&PStateSP != 0
}

// InterruptsMasked reports whether PSTATE.I is set.
func (s *ARM64State) InterruptsMasked() bool { return s.PState&PStateI != 0 }

const cpregSysregSpace = 0x13 << 16

// CPRegKey builds the key of an AArch64 system register.
func CPRegKey(op0, op1, crn, crm, op2 uint32) uint32 {
	return cpregSysregSpace | op0<<14 | op1<<11 | crn<<7 | crm<<3 | op2
}

// Keys of the system registers used by the default CPU model.
var (
	CPRegMIDR       = CPRegKey(3, 0, 0, 0, 0)
	CPRegMPIDR      = CPRegKey(3, 0, 0, 0, 5)
	CPRegIDAA64PFR0 = CPRegKey(3, 0, 0, 4, 0)
	CPRegSCTLR      = CPRegKey(3, 0, 1, 0, 0)
	CPRegCPACR      = CPRegKey(3, 0, 1, 0, 2)
	CPRegTTBR0      = CPRegKey(3, 0, 2, 0, 0)
	CPRegTTBR1      = CPRegKey(3, 0, 2, 0, 1)
	CPRegTCR        = CPRegKey(3, 0, 2, 0, 2)
	CPRegESR        = CPRegKey(3, 0, 5, 2, 0)
	CPRegFAR        = CPRegKey(3, 0, 6, 0, 0)
	CPRegPAR        = CPRegKey(3, 0, 7, 4, 0)
	CPRegMAIR       = CPRegKey(3, 0, 10, 2, 0)
	CPRegAMAIR      = CPRegKey(3, 0, 10, 3, 0)
	CPRegVBAR       = CPRegKey(3, 0, 12, 0, 0)
	CPRegCONTEXTIDR = CPRegKey(3, 0, 13, 0, 1)
	CPRegTPIDREL1   = CPRegKey(3, 0, 13, 0, 4)
	CPRegCNTKCTL    = CPRegKey(3, 0, 14, 1, 0)
	CPRegCSSELR     = CPRegKey(3, 2, 0, 0, 0)
	CPRegTPIDREL0   = CPRegKey(3, 3, 13, 0, 2)
	CPRegTPIDRROEL0 = CPRegKey(3, 3, 13, 0, 3)
	CPRegCNTFRQ     = CPRegKey(3, 3, 14, 0, 0)
	CPRegMDSCR      = CPRegKey(2, 0, 0, 2, 2)
)

// DefaultARM64CPRegs is the system register set of the generic CPU model.
func DefaultARM64CPRegs() []CPReg {
	return []CPReg{
		{Key: CPRegMIDR, Name: "MIDR_EL1", NoRaw: true},
		{Key: CPRegMPIDR, Name: "MPIDR_EL1", NoRaw: true},
		{Key: CPRegIDAA64PFR0, Name: "ID_AA64PFR0_EL1", NoRaw: true},
		{Key: CPRegSCTLR, Name: "SCTLR_EL1"},
		{Key: CPRegCPACR, Name: "CPACR_EL1"},
		{Key: CPRegTTBR0, Name: "TTBR0_EL1"},
		{Key: CPRegTTBR1, Name: "TTBR1_EL1"},
		{Key: CPRegTCR, Name: "TCR_EL1"},
		{Key: CPRegESR, Name: "ESR_EL1"},
		{Key: CPRegFAR, Name: "FAR_EL1"},
		{Key: CPRegPAR, Name: "PAR_EL1"},
		{Key: CPRegMAIR, Name: "MAIR_EL1"},
		{Key: CPRegAMAIR, Name: "AMAIR_EL1"},
		{Key: CPRegVBAR, Name: "VBAR_EL1"},
		{Key: CPRegCONTEXTIDR, Name: "CONTEXTIDR_EL1"},
		{Key: CPRegTPIDREL1, Name: "TPIDR_EL1"},
		{Key: CPRegCNTKCTL, Name: "CNTKCTL_EL1"},
		{Key: CPRegCSSELR, Name: "CSSELR_EL1"},
		{Key: CPRegTPIDREL0, Name: "TPIDR_EL0"},
		{Key: CPRegTPIDRROEL0, Name: "TPIDRRO_EL0"},
		{Key: CPRegMDSCR, Name: "MDSCR_EL1"},
	}
}
