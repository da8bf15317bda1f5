package accel

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/timeslice"
)

var (
	tsVCPUHost  = timeslice.RegisterKind("nvmm_vcpu_host", 0)
	tsVCPUGuest = timeslice.RegisterKind("nvmm_vcpu_guest", timeslice.SliceFlagGuestTime)
)

// archPolicy is the architecture specific half of a VCPU. Every method runs
// on the VCPU's own thread.
type archPolicy interface {
	// configure runs once after the hypervisor VCPU exists.
	configure() error

	// push copies the register file into the hypervisor. pull copies it
	// back; the control plane lock is held during pull.
	push()
	pull()

	// intake handles asynchronous requests before the inner loop, with
	// the lock held. It reports whether a pending event should wake a
	// halted core.
	intake() (wake bool)

	// preRun and postRun bracket every hypervisor run. The lock is not
	// held on entry. Every injection sets VCPU.injected; no more than one
	// event goes in per Exec.
	preRun()
	postRun(exit *nvmm.Exit)

	// dispatch handles the exits specific to the architecture. ok is
	// false for exits it does not know.
	dispatch(exit *nvmm.Exit) (out Outcome, ok bool)

	// wakePending reports, under the lock, whether a halted core has
	// something to do.
	wakePending() bool

	// dumpState renders the register file for a crash report.
	dumpState() string
}

// VCPU is the per-core accelerator context.
type VCPU struct {
	m   *Machine
	cpu *hv.CPU
	hv  *nvmm.VCPU

	// dirty is set when the register file is newer than the hypervisor
	// state and must be pushed before the next run.
	dirty bool

	// injected is set once an event was injected during the current Exec.
	injected bool

	stop    atomic.Bool
	running atomic.Bool
	wake    chan struct{}

	tid    int
	policy archPolicy
	rec    *timeslice.Recorder
}

// CreateVCPU builds the accelerator context for cpu. It must be called on
// the OS thread that will run cpu.
func (m *Machine) CreateVCPU(cpu *hv.CPU) (*VCPU, error) {
	if cpu.Arch != m.arch {
		return nil, fmt.Errorf("nvmm: cpu %d is %s, machine is %s", cpu.Index, cpu.Arch, m.arch)
	}

	installKickSignal()

	if err := m.installMigrationBlocker(); err != nil {
		return nil, err
	}

	v := &VCPU{
		m:    m,
		cpu:  cpu,
		wake: make(chan struct{}, 1),
		tid:  m.kicker.CurrentThread(),
		rec:  timeslice.NewCPURecorder(uint32(cpu.Index)),
	}

	var err error
	v.hv, err = m.kernel.CreateVCPU(m.mach, uint32(cpu.Index))
	if err != nil {
		return nil, fmt.Errorf("nvmm: create vcpu %d: %w", cpu.Index, err)
	}

	switch m.arch {
	case hv.ArchitectureX86_64:
		v.policy = &x86Policy{v: v, plat: m.x86}
	case hv.ArchitectureARM64:
		v.policy = &arm64Policy{v: v}
	}

	if err := v.configure(); err != nil {
		if derr := m.kernel.DestroyVCPU(m.mach, v.hv); derr != nil {
			m.log.Error("nvmm: failed to destroy vcpu after configure failure",
				"cpu", cpu.Index, "error", derr)
		}
		return nil, err
	}

	m.threads.bind(v.tid, v)
	v.dirty = true
	cpu.Accel = v

	m.log.Debug("nvmm: vcpu created", "cpu", cpu.Index, "tid", v.tid)

	return v, nil
}

func (v *VCPU) configure() error {
	cb := nvmm.CallbacksConf{Mem: v.memCallback}
	if v.m.arch == hv.ArchitectureX86_64 {
		cb.IO = v.ioCallback
	}
	if err := v.m.kernel.ConfigureVCPU(v.m.mach, v.hv, cb); err != nil {
		return fmt.Errorf("nvmm: configure vcpu %d callbacks: %w", v.cpu.Index, err)
	}
	return v.policy.configure()
}

// Destroy releases the hypervisor VCPU. It must be called exactly once.
func (v *VCPU) Destroy() error {
	v.m.threads.unbind(v.tid, v)
	v.cpu.Accel = nil

	if err := v.m.kernel.DestroyVCPU(v.m.mach, v.hv); err != nil {
		return fmt.Errorf("nvmm: destroy vcpu %d: %w", v.cpu.Index, err)
	}
	return nil
}

// CPU returns the core this context drives.
func (v *VCPU) CPU() *hv.CPU { return v.cpu }

// Dirty reports whether the register file still has to be pushed.
func (v *VCPU) Dirty() bool { return v.dirty }

// The assist callbacks run on the VCPU thread inside AssistIO/AssistMem,
// which the loop only calls with the control plane lock held.

func (v *VCPU) ioCallback(io *nvmm.IOAccess) {
	if err := v.m.plane.IOPortRW(v.cpu, io.Port, io.Data, !io.In); err != nil {
		v.m.log.Error("nvmm: port I/O failed",
			"cpu", v.cpu.Index, "port", fmt.Sprintf("%#x", io.Port), "in", io.In, "size", len(io.Data), "error", err)
	}
}

func (v *VCPU) memCallback(mem *nvmm.MemAccess) {
	v.m.plane.PhysicalMemoryRW(v.cpu, mem.GPA, mem.Data, mem.Write)
}
