package nvmm

import "unsafe"

// Special purpose and system register slots in AArch64State.SPRs.
const (
	AArch64SPRPC = iota
	AArch64SPRSPSR
	AArch64SPRSPEL0
	AArch64SPRSPEL1
	AArch64SPRELREL1
	AArch64SPRFPCR
	AArch64SPRFPSR
	AArch64SPRMIDREL1
	AArch64SPRMPIDREL1
	AArch64SPRAMAIREL1
	AArch64SPRCNTKCTLEL1
	AArch64SPRCONTEXTIDREL1
	AArch64SPRCPACREL1
	AArch64SPRCSSELREL1
	AArch64SPRESREL1
	AArch64SPRFAREL1
	AArch64SPRMAIREL1
	AArch64SPRMDSCREL1
	AArch64SPRPAREL1
	AArch64SPRSCTLREL1
	AArch64SPRTCREL1
	AArch64SPRTPIDRROEL0
	AArch64SPRTPIDREL0
	AArch64SPRTPIDREL1
	AArch64SPRTTBR0EL1
	AArch64SPRTTBR1EL1
	AArch64SPRVBAREL1
	AArch64NSPR
)

// State categories for AArch64.
const (
	AArch64StateGPRs StateCategory = 0x01
	AArch64StateFPRs StateCategory = 0x02
	AArch64StateSPRs StateCategory = 0x04
	AArch64StateAll  StateCategory = 0x07
)

// AArch64State is the AArch64 VCPU state block.
type AArch64State struct {
	GPRs [32]uint64
	FPRs [32][16]byte
	SPRs [AArch64NSPR]uint64
}

// AArch64StateSize is the state block size for AArch64.
const AArch64StateSize = uint32(unsafe.Sizeof(AArch64State{}))

// AArch64ExitState is the state captured at every exit on AArch64.
type AArch64ExitState struct {
	ESR uint64
}

func (e *Exit) AArch64ExitState() *AArch64ExitState {
	return (*AArch64ExitState)(unsafe.Pointer(&e.state[0]))
}

// SysRegExit is the payload of ExitSysReg. Encoding uses the
// op0:op1:crn:crm:op2 layout of EncodeSysReg.
type SysRegExit struct {
	Encoding uint32
	Read     bool
	Rt       uint8
	NPC      uint64
}

func (e *Exit) SysReg() *SysRegExit { return (*SysRegExit)(unsafe.Pointer(&e.u[0])) }

// EncodeSysReg packs a system register coordinate into a lookup key.
func EncodeSysReg(op0, op1, crn, crm, op2 uint32) uint32 {
	return op0<<14 | op1<<11 | crn<<7 | crm<<3 | op2
}
