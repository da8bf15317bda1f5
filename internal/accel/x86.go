package accel

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
)

const (
	msrAPICBase    = 0x1B
	msrMTRRcap     = 0xFE
	msrMCGCap      = 0x179
	msrMCGStatus   = 0x17A
	msrMTRRdefType = 0x2FF
)

// CPUID leaf 1 EDX feature bits forced on for the guest.
const (
	cpuidEDXMCE  = 1 << 7
	cpuidEDXMTRR = 1 << 12
	cpuidEDXMCA  = 1 << 14
)

const (
	vectorNMI = 2
	vectorUD  = 6
)

const x64StateCodec = nvmm.X64StateSegs | nvmm.X64StateGPRs | nvmm.X64StateCRs |
	nvmm.X64StateDRs | nvmm.X64StateMSRs | nvmm.X64StateFPU

// x86Policy carries the interrupt shadow state of an x86-64 core.
type x86Policy struct {
	v    *VCPU
	plat hv.X86Platform

	tpr           uint8
	intWindowExit bool
	nmiWindowExit bool
	intShadow     bool

	// pendingUD holds an invalid-opcode exception for the next injection.
	pendingUD bool
}

func (p *x86Policy) configure() error {
	v := p.v
	cpuid := nvmm.CPUIDConf{
		Mask: true,
		Leaf: 0x00000001,
		Set:  nvmm.CPUIDRegs{EDX: cpuidEDXMCE | cpuidEDXMCA | cpuidEDXMTRR},
	}
	if err := v.m.kernel.ConfigureVCPU(v.m.mach, v.hv, cpuid); err != nil {
		return fmt.Errorf("nvmm: configure vcpu %d cpuid: %w", v.cpu.Index, err)
	}

	if v.m.cap.SupportsVCPUConf(nvmm.CapVCPUConfTPR) {
		if err := v.m.kernel.ConfigureVCPU(v.m.mach, v.hv, nvmm.TPRConf{ExitChanged: true}); err != nil {
			return fmt.Errorf("nvmm: configure vcpu %d tpr: %w", v.cpu.Index, err)
		}
	}
	return nil
}

func (p *x86Policy) getState(cats nvmm.StateCategory) bool {
	if err := p.v.m.kernel.GetState(p.v.m.mach, p.v.hv, cats); err != nil {
		p.v.m.log.Error("nvmm: failed to get vcpu state", "cpu", p.v.cpu.Index, "state", fmt.Sprintf("%#x", uint64(cats)), "error", err)
		return false
	}
	return true
}

func (p *x86Policy) setState(cats nvmm.StateCategory) bool {
	if err := p.v.m.kernel.SetState(p.v.m.mach, p.v.hv, cats); err != nil {
		p.v.m.log.Error("nvmm: failed to set vcpu state", "cpu", p.v.cpu.Index, "state", fmt.Sprintf("%#x", uint64(cats)), "error", err)
		return false
	}
	return true
}

func (p *x86Policy) inject(ev nvmm.Event) {
	*p.v.hv.Event = ev
	p.v.injected = true
	if err := p.v.m.kernel.Inject(p.v.m.mach, p.v.hv); err != nil {
		p.v.m.log.Error("nvmm: failed to inject event",
			"cpu", p.v.cpu.Index, "type", ev.Type, "vector", ev.Vector, "error", err)
	}
}

func segmentToNVMM(s hv.SegmentCache) nvmm.X64Segment {
	return nvmm.X64Segment{
		Selector: s.Selector,
		Attrib: nvmm.PackSegmentAttrib(nvmm.SegmentAttribFields{
			Type: uint8(s.Flags>>hv.DescTypeShift) & 0xF,
			S:    s.Flags&hv.DescSMask != 0,
			DPL:  uint8(s.Flags>>hv.DescDPLShift) & 3,
			P:    s.Flags&hv.DescPMask != 0,
			AVL:  s.Flags&hv.DescAVLMask != 0,
			L:    s.Flags&hv.DescLMask != 0,
			Def:  s.Flags&hv.DescBMask != 0,
			G:    s.Flags&hv.DescGMask != 0,
		}),
		Limit: s.Limit,
		Base:  s.Base,
	}
}

func segmentFromNVMM(s nvmm.X64Segment) hv.SegmentCache {
	f := s.Attrib.Fields()
	flags := uint32(f.Type)<<hv.DescTypeShift | uint32(f.DPL)<<hv.DescDPLShift
	if f.S {
		flags |= hv.DescSMask
	}
	if f.P {
		flags |= hv.DescPMask
	}
	if f.AVL {
		flags |= hv.DescAVLMask
	}
	if f.L {
		flags |= hv.DescLMask
	}
	if f.Def {
		flags |= hv.DescBMask
	}
	if f.G {
		flags |= hv.DescGMask
	}
	return hv.SegmentCache{
		Selector: s.Selector,
		Base:     s.Base,
		Limit:    s.Limit,
		Flags:    flags,
	}
}

func (p *x86Policy) push() {
	s := p.v.cpu.X86
	st := p.v.hv.X64State()

	for i := range s.Regs {
		st.GPRs[nvmm.X64GPRRAX+i] = s.Regs[i]
	}
	st.GPRs[nvmm.X64GPRRIP] = s.RIP
	st.GPRs[nvmm.X64GPRRFLAGS] = s.RFLAGS

	for i := range s.Segs {
		st.Segs[nvmm.X64SegES+i] = segmentToNVMM(s.Segs[i])
	}
	st.Segs[nvmm.X64SegLDT] = segmentToNVMM(s.LDT)
	st.Segs[nvmm.X64SegTR] = segmentToNVMM(s.TR)
	st.Segs[nvmm.X64SegGDT] = nvmm.X64Segment{Base: s.GDT.Base, Limit: s.GDT.Limit}
	st.Segs[nvmm.X64SegIDT] = nvmm.X64Segment{Base: s.IDT.Base, Limit: s.IDT.Limit}

	st.CRs[nvmm.X64CRCR0] = s.CR[0]
	st.CRs[nvmm.X64CRCR2] = s.CR[2]
	st.CRs[nvmm.X64CRCR3] = s.CR[3]
	st.CRs[nvmm.X64CRCR4] = s.CR[4]
	st.CRs[nvmm.X64CRCR8] = uint64(p.tpr)
	st.CRs[nvmm.X64CRXCR0] = s.XCR0

	st.DRs[nvmm.X64DRDR0] = s.DR[0]
	st.DRs[nvmm.X64DRDR1] = s.DR[1]
	st.DRs[nvmm.X64DRDR2] = s.DR[2]
	st.DRs[nvmm.X64DRDR3] = s.DR[3]
	st.DRs[nvmm.X64DRDR6] = s.DR[6]
	st.DRs[nvmm.X64DRDR7] = s.DR[7]

	fpu := &st.FPU
	fpu.CW = s.FPUC
	fpu.SW = s.FPUS&^hv.FPUSTopMask | uint16(s.FPSTT&7)<<hv.FPUSTopShift
	fpu.TW = 0
	for i, empty := range s.FPTags {
		if !empty {
			fpu.TW |= 1 << i
		}
	}
	fpu.Opcode = s.FPOp
	fpu.RIP = s.FPIP
	fpu.RDP = s.FPDP
	fpu.ST = s.FPRegs
	fpu.MXCSR = s.MXCSR
	fpu.MXCSRMask = 0x0000FFFF
	fpu.XMM = s.XMM

	st.MSRs[nvmm.X64MSREFER] = s.EFER
	st.MSRs[nvmm.X64MSRSTAR] = s.STAR
	st.MSRs[nvmm.X64MSRLSTAR] = s.LSTAR
	st.MSRs[nvmm.X64MSRCSTAR] = s.CSTAR
	st.MSRs[nvmm.X64MSRSFMASK] = s.FMASK
	st.MSRs[nvmm.X64MSRKERNELGSBASE] = s.KernelGSBase
	st.MSRs[nvmm.X64MSRSYSENTERCS] = s.SysenterCS
	st.MSRs[nvmm.X64MSRSYSENTERESP] = s.SysenterESP
	st.MSRs[nvmm.X64MSRSYSENTEREIP] = s.SysenterEIP
	st.MSRs[nvmm.X64MSRPAT] = s.PAT
	st.MSRs[nvmm.X64MSRTSC] = s.TSC

	p.setState(x64StateCodec)
}

// pull is called with the control plane lock held since a changed CR8 is
// forwarded to the APIC.
func (p *x86Policy) pull() {
	s := p.v.cpu.X86
	st := p.v.hv.X64State()

	p.getState(x64StateCodec)

	for i := range s.Regs {
		s.Regs[i] = st.GPRs[nvmm.X64GPRRAX+i]
	}
	s.RIP = st.GPRs[nvmm.X64GPRRIP]
	s.RFLAGS = st.GPRs[nvmm.X64GPRRFLAGS]

	for i := range s.Segs {
		s.Segs[i] = segmentFromNVMM(st.Segs[nvmm.X64SegES+i])
	}
	s.LDT = segmentFromNVMM(st.Segs[nvmm.X64SegLDT])
	s.TR = segmentFromNVMM(st.Segs[nvmm.X64SegTR])
	s.GDT.Base = st.Segs[nvmm.X64SegGDT].Base
	s.GDT.Limit = st.Segs[nvmm.X64SegGDT].Limit
	s.IDT.Base = st.Segs[nvmm.X64SegIDT].Base
	s.IDT.Limit = st.Segs[nvmm.X64SegIDT].Limit

	s.CR[0] = st.CRs[nvmm.X64CRCR0]
	s.CR[2] = st.CRs[nvmm.X64CRCR2]
	s.CR[3] = st.CRs[nvmm.X64CRCR3]
	s.CR[4] = st.CRs[nvmm.X64CRCR4]
	if tpr := uint8(st.CRs[nvmm.X64CRCR8]); tpr != p.tpr {
		p.tpr = tpr
		p.plat.SetAPICTPR(p.v.cpu, tpr)
	}
	s.XCR0 = st.CRs[nvmm.X64CRXCR0]

	s.DR[0] = st.DRs[nvmm.X64DRDR0]
	s.DR[1] = st.DRs[nvmm.X64DRDR1]
	s.DR[2] = st.DRs[nvmm.X64DRDR2]
	s.DR[3] = st.DRs[nvmm.X64DRDR3]
	s.DR[6] = st.DRs[nvmm.X64DRDR6]
	s.DR[7] = st.DRs[nvmm.X64DRDR7]

	fpu := &st.FPU
	s.FPUC = fpu.CW
	s.FPSTT = uint8(fpu.SW>>hv.FPUSTopShift) & 7
	s.FPUS = fpu.SW
	for i := range s.FPTags {
		s.FPTags[i] = fpu.TW&(1<<i) == 0
	}
	s.FPOp = fpu.Opcode
	s.FPIP = fpu.RIP
	s.FPDP = fpu.RDP
	s.FPRegs = fpu.ST
	s.MXCSR = fpu.MXCSR
	s.XMM = fpu.XMM

	s.EFER = st.MSRs[nvmm.X64MSREFER]
	s.STAR = st.MSRs[nvmm.X64MSRSTAR]
	s.LSTAR = st.MSRs[nvmm.X64MSRLSTAR]
	s.CSTAR = st.MSRs[nvmm.X64MSRCSTAR]
	s.FMASK = st.MSRs[nvmm.X64MSRSFMASK]
	s.KernelGSBase = st.MSRs[nvmm.X64MSRKERNELGSBASE]
	s.SysenterCS = st.MSRs[nvmm.X64MSRSYSENTERCS]
	s.SysenterESP = st.MSRs[nvmm.X64MSRSYSENTERESP]
	s.SysenterEIP = st.MSRs[nvmm.X64MSRSYSENTEREIP]
	s.PAT = st.MSRs[nvmm.X64MSRPAT]
	s.TSC = st.MSRs[nvmm.X64MSRTSC]

	s.UpdateHFlags()
}

// wakePending is true for a maskable interrupt the guest accepts or an NMI
// that is not blocked behind a previous one.
func (p *x86Policy) wakePending() bool {
	cpu := p.v.cpu
	if cpu.Pending(hv.InterruptHard) && cpu.X86.InterruptsEnabled() {
		return true
	}
	return cpu.Pending(hv.InterruptNMI) && !p.nmiWindowExit
}

func (p *x86Policy) intake() bool {
	v := p.v
	cpu := v.cpu

	if cpu.Pending(hv.InterruptInit) {
		cpu.ClearInterrupt(hv.InterruptInit)
		v.synchronizeState()
		p.plat.CPUInit(cpu)
		p.intWindowExit = false
		p.nmiWindowExit = false
		p.intShadow = false
		p.pendingUD = false
	}
	if cpu.Pending(hv.InterruptPoll) {
		cpu.ClearInterrupt(hv.InterruptPoll)
		p.plat.APICPoll(cpu)
	}

	wake := p.wakePending()

	if cpu.Pending(hv.InterruptSIPI) {
		cpu.ClearInterrupt(hv.InterruptSIPI)
		v.synchronizeState()
		p.plat.CPUSIPI(cpu)
	}
	if cpu.Pending(hv.InterruptTPR) {
		cpu.ClearInterrupt(hv.InterruptTPR)
		v.synchronizeState()
		p.plat.TPRAccessReport(cpu, cpu.X86.RIP, cpu.X86.TPRAccessType)
	}

	if cpu.Halted() && !wake {
		p.requestWindows()
	}
	return wake
}

// requestWindows asks the hypervisor to exit once blocked events become
// deliverable, so a halted core is not left sleeping on them.
func (p *x86Policy) requestWindows() {
	cpu := p.v.cpu
	var want nvmm.X64Intr
	if cpu.Pending(hv.InterruptHard) && !p.intWindowExit {
		want |= nvmm.X64IntrWindowExiting
	}
	if cpu.Pending(hv.InterruptNMI) && p.nmiWindowExit {
		want |= nvmm.X64IntrNMIWindowExiting
	}
	if want == 0 {
		return
	}

	if !p.getState(nvmm.X64StateIntr) {
		return
	}
	st := p.v.hv.X64State()
	if st.Intr.Has(want) {
		return
	}
	st.Intr |= want
	p.setState(nvmm.X64StateIntr)
}

// canTakeNMI is false while a previous NMI is still being handled, which
// the hypervisor signals with an NMI window exit.
func (p *x86Policy) canTakeNMI() bool {
	return !p.nmiWindowExit
}

// canTakeInt requests an interrupt window when the guest cannot take a
// maskable interrupt right now.
func (p *x86Policy) canTakeInt() bool {
	if p.intWindowExit {
		return false
	}
	if p.intShadow || !p.v.cpu.X86.InterruptsEnabled() {
		if p.getState(nvmm.X64StateIntr) {
			st := p.v.hv.X64State()
			st.Intr = st.Intr.With(nvmm.X64IntrWindowExiting, true)
			p.setState(nvmm.X64StateIntr)
		}
		return false
	}
	return true
}

// preRun injects at most one event per Exec: a queued exception first,
// then an NMI, then a maskable interrupt. Once the Exec has injected, any
// further deliverable event ends it so the next Exec can inject.
func (p *x86Policy) preRun() {
	v := p.v
	cpu := v.cpu

	var (
		ev       nvmm.Event
		injected bool
		syncTPR  bool
	)

	v.m.plane.Lock()

	if tpr := p.plat.APICTPR(cpu); tpr != p.tpr {
		p.tpr = tpr
		syncTPR = true
	}

	if cpu.Pending(hv.InterruptInit | hv.InterruptTPR) {
		cpu.ExitRequest.Store(true)
	}

	switch {
	case v.injected:
		if p.pendingUD || cpu.Pending(hv.InterruptNMI|hv.InterruptHard) {
			cpu.ExitRequest.Store(true)
		}

	case p.pendingUD:
		p.pendingUD = false
		ev = nvmm.Event{Type: nvmm.EventException, Vector: vectorUD}
		injected = true

	case cpu.Pending(hv.InterruptNMI) && p.canTakeNMI():
		cpu.ClearInterrupt(hv.InterruptNMI)
		ev = nvmm.Event{Type: nvmm.EventInterrupt, Vector: vectorNMI}
		injected = true

	case cpu.Pending(hv.InterruptHard) && p.canTakeInt():
		cpu.ClearInterrupt(hv.InterruptHard)
		if vec := p.plat.PICInterrupt(cpu); vec >= 0 {
			ev = nvmm.Event{Type: nvmm.EventInterrupt, Vector: uint8(vec)}
			injected = true
		}
	}

	// SMM is not supported
	cpu.ClearInterrupt(hv.InterruptSMI)

	v.m.plane.Unlock()

	if syncTPR && p.getState(nvmm.X64StateCRs) {
		v.hv.X64State().CRs[nvmm.X64CRCR8] = uint64(p.tpr)
		p.setState(nvmm.X64StateCRs)
	}

	if injected {
		p.inject(ev)
	}
}

func (p *x86Policy) postRun(exit *nvmm.Exit) {
	v := p.v
	es := exit.X64ExitState()

	v.cpu.X86.RFLAGS = es.RFLAGS
	p.intShadow = es.Intr.Has(nvmm.X64IntrShadow)
	p.intWindowExit = es.Intr.Has(nvmm.X64IntrWindowExiting)
	p.nmiWindowExit = es.Intr.Has(nvmm.X64IntrNMIWindowExiting)

	if tpr := uint8(es.CR8); tpr != p.tpr {
		p.tpr = tpr
		v.m.plane.Lock()
		p.plat.SetAPICTPR(v.cpu, tpr)
		v.m.plane.Unlock()
	}
}

func (p *x86Policy) dispatch(exit *nvmm.Exit) (Outcome, bool) {
	v := p.v

	switch exit.Reason {
	case nvmm.ExitIO:
		v.m.plane.Lock()
		err := v.m.kernel.AssistIO(v.m.mach, v.hv)
		v.m.plane.Unlock()
		if err != nil {
			io := exit.IO()
			v.m.log.Error("nvmm: I/O assist failed",
				"cpu", v.cpu.Index, "port", fmt.Sprintf("%#x", io.Port), "in", io.In, "error", err)
		}
		v.dirty = false
		return outcomeContinue, true

	case nvmm.ExitHalted:
		v.m.plane.Lock()
		defer v.m.plane.Unlock()
		if !p.wakePending() {
			v.cpu.SetHalted(true)
			return OutcomeHalted, true
		}
		return outcomeContinue, true

	case nvmm.ExitIntReady, nvmm.ExitNMIReady, nvmm.ExitTPRChanged:
		// the window or TPR state was captured by postRun
		return outcomeContinue, true

	case nvmm.ExitRDMSR:
		p.handleRDMSR(exit.RDMSR())
		return outcomeContinue, true

	case nvmm.ExitWRMSR:
		p.handleWRMSR(exit.WRMSR())
		return outcomeContinue, true

	case nvmm.ExitMonitor, nvmm.ExitMWait:
		p.pendingUD = true
		return outcomeContinue, true
	}

	return 0, false
}

func (p *x86Policy) handleRDMSR(rd *nvmm.RDMSRExit) {
	v := p.v
	var val uint64

	switch rd.MSR {
	case msrAPICBase:
		v.m.plane.Lock()
		val = p.plat.APICBase(v.cpu)
		v.m.plane.Unlock()
	case msrMTRRcap, msrMTRRdefType, msrMCGCap, msrMCGStatus:
		val = 0
	default:
		v.m.log.Warn("nvmm: unexpected RDMSR, ignored", "cpu", v.cpu.Index, "msr", fmt.Sprintf("%#x", rd.MSR))
	}

	if !p.getState(nvmm.X64StateGPRs) {
		return
	}
	st := v.hv.X64State()
	st.GPRs[nvmm.X64GPRRAX] = val & 0xFFFFFFFF
	st.GPRs[nvmm.X64GPRRDX] = val >> 32
	st.GPRs[nvmm.X64GPRRIP] = rd.NPC
	p.setState(nvmm.X64StateGPRs)
}

func (p *x86Policy) handleWRMSR(wr *nvmm.WRMSRExit) {
	v := p.v

	switch wr.MSR {
	case msrAPICBase:
		v.m.plane.Lock()
		p.plat.SetAPICBase(v.cpu, wr.Val)
		v.m.plane.Unlock()
	case msrMTRRdefType, msrMCGStatus:
	default:
		v.m.log.Warn("nvmm: unexpected WRMSR, ignored",
			"cpu", v.cpu.Index, "msr", fmt.Sprintf("%#x", wr.MSR), "val", fmt.Sprintf("%#x", wr.Val))
	}

	if !p.getState(nvmm.X64StateGPRs) {
		return
	}
	v.hv.X64State().GPRs[nvmm.X64GPRRIP] = wr.NPC
	p.setState(nvmm.X64StateGPRs)
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

func (p *x86Policy) dumpState() string {
	return dumpConfig.Sdump(p.v.cpu.X86)
}
