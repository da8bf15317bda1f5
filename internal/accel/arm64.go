package accel

import (
	"fmt"
	"time"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
)

// sysregMapping pairs a hypervisor SPR slot with the emulator's key for
// the same register.
type sysregMapping struct {
	slot int
	key  uint32
}

// sysregTable lists the system registers synchronized on every push and
// pull. Registers the CPU model does not implement are skipped both ways.
var sysregTable = []sysregMapping{
	{nvmm.AArch64SPRAMAIREL1, hv.CPRegAMAIR},
	{nvmm.AArch64SPRCNTKCTLEL1, hv.CPRegCNTKCTL},
	{nvmm.AArch64SPRCONTEXTIDREL1, hv.CPRegCONTEXTIDR},
	{nvmm.AArch64SPRCPACREL1, hv.CPRegCPACR},
	{nvmm.AArch64SPRCSSELREL1, hv.CPRegCSSELR},
	{nvmm.AArch64SPRESREL1, hv.CPRegESR},
	{nvmm.AArch64SPRFAREL1, hv.CPRegFAR},
	{nvmm.AArch64SPRMAIREL1, hv.CPRegMAIR},
	{nvmm.AArch64SPRMDSCREL1, hv.CPRegMDSCR},
	{nvmm.AArch64SPRPAREL1, hv.CPRegPAR},
	{nvmm.AArch64SPRSCTLREL1, hv.CPRegSCTLR},
	{nvmm.AArch64SPRTCREL1, hv.CPRegTCR},
	{nvmm.AArch64SPRTPIDRROEL0, hv.CPRegTPIDRROEL0},
	{nvmm.AArch64SPRTPIDREL0, hv.CPRegTPIDREL0},
	{nvmm.AArch64SPRTPIDREL1, hv.CPRegTPIDREL1},
	{nvmm.AArch64SPRTTBR0EL1, hv.CPRegTTBR0},
	{nvmm.AArch64SPRTTBR1EL1, hv.CPRegTTBR1},
	{nvmm.AArch64SPRVBAREL1, hv.CPRegVBAR},
}

// Trapped system register encodings answered from the CPU identity.
var (
	sysregMIDR   = nvmm.EncodeSysReg(3, 0, 0, 0, 0)
	sysregMPIDR  = nvmm.EncodeSysReg(3, 0, 0, 0, 5)
	sysregCNTFRQ = nvmm.EncodeSysReg(3, 3, 14, 0, 0)
)

// wfeTimeout bounds how long a WFE exit parks the VCPU thread.
const wfeTimeout = time.Millisecond

// resolveSysregs maps sysregTable onto the register file of s. The result
// holds the register index for every table entry, or -1 when absent.
func resolveSysregs(s *hv.ARM64State) []int {
	idx := make([]int, len(sysregTable))
	for i, e := range sysregTable {
		n, reg, ok := s.LookupCPReg(e.key)
		if !ok {
			idx[i] = -1
			continue
		}
		if reg.NoRaw {
			panic(fmt.Sprintf("nvmm: system register %s cannot be synchronized raw", reg.Name))
		}
		idx[i] = n
	}
	return idx
}

type arm64Policy struct {
	v       *VCPU
	sysregs []int
	lastESR uint64
}

func (p *arm64Policy) configure() error {
	s := p.v.cpu.ARM64
	p.sysregs = resolveSysregs(s)

	// identification registers are never part of the push walk
	st := p.v.hv.AArch64State()
	st.SPRs[nvmm.AArch64SPRMIDREL1] = s.MIDR
	st.SPRs[nvmm.AArch64SPRMPIDREL1] = s.MPIDR
	if err := p.v.m.kernel.SetState(p.v.m.mach, p.v.hv, nvmm.AArch64StateSPRs); err != nil {
		return fmt.Errorf("nvmm: set vcpu %d identity: %w", p.v.cpu.Index, err)
	}
	return nil
}

func (p *arm64Policy) push() {
	s := p.v.cpu.ARM64
	st := p.v.hv.AArch64State()

	st.GPRs = s.X
	st.SPRs[nvmm.AArch64SPRSPEL0] = s.SP[0]
	st.SPRs[nvmm.AArch64SPRSPEL1] = s.SP[1]
	st.SPRs[nvmm.AArch64SPRPC] = s.PC
	st.SPRs[nvmm.AArch64SPRSPSR] = uint64(s.PState)
	st.SPRs[nvmm.AArch64SPRELREL1] = s.ELRel1

	st.FPRs = s.V
	st.SPRs[nvmm.AArch64SPRFPCR] = uint64(s.FPCR())
	st.SPRs[nvmm.AArch64SPRFPSR] = uint64(s.FPSR())

	for i, e := range sysregTable {
		if n := p.sysregs[i]; n >= 0 {
			st.SPRs[e.slot] = s.CPRegValue(n)
		}
	}

	if err := p.v.m.kernel.SetState(p.v.m.mach, p.v.hv, nvmm.AArch64StateAll); err != nil {
		p.v.m.log.Error("nvmm: failed to set vcpu state", "cpu", p.v.cpu.Index, "error", err)
	}
}

func (p *arm64Policy) pull() {
	s := p.v.cpu.ARM64
	st := p.v.hv.AArch64State()

	if err := p.v.m.kernel.GetState(p.v.m.mach, p.v.hv, nvmm.AArch64StateAll); err != nil {
		p.v.m.log.Error("nvmm: failed to get vcpu state", "cpu", p.v.cpu.Index, "error", err)
	}

	s.X = st.GPRs
	s.SP[0] = st.SPRs[nvmm.AArch64SPRSPEL0]
	s.SP[1] = st.SPRs[nvmm.AArch64SPRSPEL1]
	s.PC = st.SPRs[nvmm.AArch64SPRPC]
	s.PState = uint32(st.SPRs[nvmm.AArch64SPRSPSR])
	s.ELRel1 = st.SPRs[nvmm.AArch64SPRELREL1]

	s.V = st.FPRs
	s.SetFPCR(uint32(st.SPRs[nvmm.AArch64SPRFPCR]))
	s.SetFPSR(uint32(st.SPRs[nvmm.AArch64SPRFPSR]))

	for i, e := range sysregTable {
		if n := p.sysregs[i]; n >= 0 {
			s.SetCPRegValue(n, st.SPRs[e.slot])
		}
	}

	s.UpdateMode()
}

func (p *arm64Policy) wakePending() bool {
	return p.v.cpu.Pending(hv.InterruptHard | hv.InterruptFIQ)
}

// intake injects FIQ before IRQ, once per Exec. Both lines are level
// triggered: the request stays pending until the interrupt controller
// lowers it, and the next Exec injects it again.
func (p *arm64Policy) intake() bool {
	v := p.v
	var ev nvmm.Event
	switch {
	case v.cpu.Pending(hv.InterruptFIQ):
		ev = nvmm.Event{Type: nvmm.EventFIQ}
	case v.cpu.Pending(hv.InterruptHard):
		ev = nvmm.Event{Type: nvmm.EventIRQ}
	default:
		return false
	}

	*v.hv.Event = ev
	v.injected = true
	if err := v.m.kernel.Inject(v.m.mach, v.hv); err != nil {
		v.m.log.Error("nvmm: failed to inject event", "cpu", v.cpu.Index, "type", ev.Type, "error", err)
	}
	return true
}

func (p *arm64Policy) preRun() {}

func (p *arm64Policy) postRun(exit *nvmm.Exit) {
	p.lastESR = exit.AArch64ExitState().ESR
}

func (p *arm64Policy) dispatch(exit *nvmm.Exit) (Outcome, bool) {
	v := p.v

	switch exit.Reason {
	case nvmm.ExitHalted:
		v.m.plane.Lock()
		defer v.m.plane.Unlock()
		if !p.wakePending() {
			v.cpu.SetHalted(true)
			return OutcomeHalted, true
		}
		return outcomeContinue, true

	case nvmm.ExitWFE:
		v.m.plane.Lock()
		wake := p.wakePending()
		v.m.plane.Unlock()
		if !wake {
			t := time.NewTimer(wfeTimeout)
			select {
			case <-v.wake:
			case <-t.C:
			}
			t.Stop()
		}
		return outcomeContinue, true

	case nvmm.ExitSysReg:
		p.handleSysReg(exit.SysReg())
		return outcomeContinue, true
	}

	return 0, false
}

func (p *arm64Policy) handleSysReg(sr *nvmm.SysRegExit) {
	v := p.v
	s := v.cpu.ARM64

	const cats = nvmm.AArch64StateGPRs | nvmm.AArch64StateSPRs
	if err := v.m.kernel.GetState(v.m.mach, v.hv, cats); err != nil {
		v.m.log.Error("nvmm: failed to get vcpu state", "cpu", v.cpu.Index, "error", err)
		return
	}
	st := v.hv.AArch64State()

	if sr.Read {
		var val uint64
		switch sr.Encoding {
		case sysregMIDR:
			val = s.MIDR
		case sysregMPIDR:
			val = s.MPIDR
		case sysregCNTFRQ:
			val = s.CNTFRQ
		default:
			v.m.log.Warn("nvmm: unexpected system register read, returning 0",
				"cpu", v.cpu.Index, "encoding", fmt.Sprintf("%#x", sr.Encoding))
		}
		// x31 reads as the zero register
		if sr.Rt != 31 {
			st.GPRs[sr.Rt] = val
		}
	} else {
		var val uint64
		if sr.Rt != 31 {
			val = st.GPRs[sr.Rt]
		}
		v.m.log.Warn("nvmm: unexpected system register write, ignored",
			"cpu", v.cpu.Index, "encoding", fmt.Sprintf("%#x", sr.Encoding), "val", fmt.Sprintf("%#x", val))
	}

	st.SPRs[nvmm.AArch64SPRPC] = sr.NPC
	if err := v.m.kernel.SetState(v.m.mach, v.hv, cats); err != nil {
		v.m.log.Error("nvmm: failed to set vcpu state", "cpu", v.cpu.Index, "error", err)
	}
}

func (p *arm64Policy) dumpState() string {
	return fmt.Sprintf("esr=%#x\n%s", p.lastESR, dumpConfig.Sdump(p.v.cpu.ARM64))
}
