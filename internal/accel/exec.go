package accel

import (
	"fmt"

	"github.com/tinyrange/nvmm/internal/exittrace"
	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
)

// Outcome is the result of one Exec call.
type Outcome int

const (
	outcomeContinue Outcome = iota
	OutcomeHalted
	OutcomeInterrupted
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case outcomeContinue:
		return "continue"
	case OutcomeHalted:
		return "halted"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Exec runs the guest until the control plane needs the core back. It is
// called on the VCPU thread with the control plane lock held and returns
// with it held; the lock is released while the guest runs.
func (v *VCPU) Exec() (Outcome, error) {
	cpu := v.cpu
	v.injected = false

	if v.policy.intake() {
		cpu.SetHalted(false)
	}
	if cpu.Halted() {
		cpu.ExceptionIndex = hv.ExceptionHalted
		cpu.ExitRequest.Store(false)
		return OutcomeHalted, nil
	}

	v.m.plane.Unlock()
	out, err := v.runLoop()
	v.m.plane.Lock()

	cpu.ExitRequest.Store(false)

	switch out {
	case OutcomeHalted:
		cpu.ExceptionIndex = hv.ExceptionHalted
	case OutcomeInterrupted:
		cpu.ExceptionIndex = hv.ExceptionInterrupt
	}
	return out, err
}

func (v *VCPU) runLoop() (Outcome, error) {
	defer v.running.Store(false)

	for {
		v.running.Store(true)

		if v.dirty {
			v.policy.push()
			v.dirty = false
		}

		if v.stop.Swap(false) {
			return OutcomeInterrupted, nil
		}

		v.policy.preRun()

		if v.cpu.ExitRequest.Load() {
			if v.m.stopper != nil {
				if err := v.m.stopper.Stop(v.hv); err != nil {
					v.m.log.Error("nvmm: failed to stop vcpu", "cpu", v.cpu.Index, "error", err)
				}
			} else {
				v.stop.Store(true)
				continue
			}
		}

		v.rec.Record(tsVCPUHost)
		err := v.m.kernel.Run(v.m.mach, v.hv)
		v.rec.Record(tsVCPUGuest)
		if err != nil {
			v.m.log.Error("nvmm: failed to run vcpu", "cpu", v.cpu.Index, "error", err)
			return OutcomeError, fmt.Errorf("%w: cpu %d: %w", ErrRunFailed, v.cpu.Index, err)
		}

		exit := v.hv.Exit
		v.policy.postRun(exit)

		out, err := v.dispatch(exit)
		v.trace(exit, out)
		if out != outcomeContinue {
			return out, err
		}
	}
}

func (v *VCPU) dispatch(exit *nvmm.Exit) (Outcome, error) {
	if out, ok := v.policy.dispatch(exit); ok {
		return out, nil
	}

	switch exit.Reason {
	case nvmm.ExitNone:
		return outcomeContinue, nil

	case nvmm.ExitStopped:
		// the hypervisor consumed the stop; the loop reports it
		v.stop.Store(true)
		return outcomeContinue, nil

	case nvmm.ExitMemory:
		v.m.plane.Lock()
		err := v.m.kernel.AssistMem(v.m.mach, v.hv)
		v.m.plane.Unlock()
		if err != nil {
			mem := exit.Memory()
			v.m.log.Error("nvmm: memory assist failed",
				"cpu", v.cpu.Index,
				"gpa", fmt.Sprintf("%#x", mem.GPA),
				"insn", disassemble(v.m.arch, mem.Instruction()),
				"error", err)
		}
		v.dirty = false
		return outcomeContinue, nil

	case nvmm.ExitShutdown:
		v.m.plane.Lock()
		v.m.plane.SystemResetRequest(hv.ShutdownCauseGuestReset)
		v.m.plane.Unlock()
		return OutcomeInterrupted, nil

	default:
		return v.crash(exit)
	}
}

// crash pulls the state for a postmortem and reports the guest as
// panicked. The host keeps running.
func (v *VCPU) crash(exit *nvmm.Exit) (Outcome, error) {
	v.m.log.Error("nvmm: unexpected exit",
		"cpu", v.cpu.Index,
		"reason", fmt.Sprintf("%#x", uint64(exit.Reason)),
		"hwcode", fmt.Sprintf("%#x", exit.Invalid().HWCode))

	v.m.plane.Lock()
	defer v.m.plane.Unlock()

	v.policy.pull()
	info := hv.CrashInfo{
		CPU:    v.cpu.Index,
		Reason: fmt.Sprintf("unexpected exit %s (%#x) hwcode %#x", exit.Reason, uint64(exit.Reason), exit.Invalid().HWCode),
		Dump:   v.policy.dumpState(),
	}
	v.m.plane.GuestPanicked(v.cpu, info)
	return OutcomeError, info
}

func (v *VCPU) trace(exit *nvmm.Exit, out Outcome) {
	if !exittrace.Enabled() {
		return
	}
	exittrace.Emit(exittrace.Record{
		CPU:     uint32(v.cpu.Index),
		Outcome: uint32(out),
		Reason:  uint64(exit.Reason),
		Detail:  exitDetail(v.m.arch, exit),
	})
}

func exitDetail(arch hv.CpuArchitecture, exit *nvmm.Exit) uint64 {
	switch exit.Reason {
	case nvmm.ExitMemory:
		return exit.Memory().GPA
	case nvmm.ExitInvalid:
		return exit.Invalid().HWCode
	}
	if arch == hv.ArchitectureX86_64 {
		switch exit.Reason {
		case nvmm.ExitIO:
			return uint64(exit.IO().Port)
		case nvmm.ExitRDMSR:
			return uint64(exit.RDMSR().MSR)
		case nvmm.ExitWRMSR:
			return uint64(exit.WRMSR().MSR)
		case nvmm.ExitMonitor, nvmm.ExitMWait:
			return exit.Insn().NPC
		}
	}
	if arch == hv.ArchitectureARM64 && exit.Reason == nvmm.ExitSysReg {
		return uint64(exit.SysReg().Encoding)
	}
	return 0
}
