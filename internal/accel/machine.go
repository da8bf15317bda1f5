// Package accel drives guest CPUs through NVMM. A Machine owns the
// hypervisor machine object and mirrors the emulator's memory map into it;
// each emulated core gets a VCPU that runs the guest until something the
// control plane has to know about happens.
package accel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
)

var (
	ErrRunFailed = errors.New("nvmm: run failed")

	errMigrationUnsupported = fmt.Errorf("NVMM: Migration not supported: %w", hv.ErrMigrationBlocked)
)

// Kicker forces an OS thread out of a blocking hypervisor call.
type Kicker interface {
	CurrentThread() int
	KickThread(tid int) error
}

// Config selects the guest architecture and host parameters of a Machine.
type Config struct {
	Arch hv.CpuArchitecture

	// PageSize defaults to the host page size.
	PageSize uint64

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Kicker defaults to the platform's signal based implementation.
	Kicker Kicker
}

// Machine is one emulated system running on NVMM.
type Machine struct {
	kernel  nvmm.Kernel
	stopper nvmm.Stopper
	plane   hv.ControlPlane
	x86     hv.X86Platform

	cap      nvmm.Capability
	mach     *nvmm.Machine
	arch     hv.CpuArchitecture
	pageSize uint64
	log      *slog.Logger

	kicker  Kicker
	threads threadRegistry

	blockerMu        sync.Mutex
	blockerInstalled bool

	listener *memoryListener
}

func stateSize(arch hv.CpuArchitecture) (uint32, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return nvmm.X64StateSize, nil
	case hv.ArchitectureARM64:
		return nvmm.AArch64StateSize, nil
	default:
		return 0, fmt.Errorf("nvmm: unsupported architecture %q", arch)
	}
}

// New negotiates capabilities with the hypervisor and creates the machine.
// Any error leaves the accelerator unusable.
func New(kernel nvmm.Kernel, plane hv.ControlPlane, cfg Config) (*Machine, error) {
	want, err := stateSize(cfg.Arch)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		kernel:   kernel,
		plane:    plane,
		arch:     cfg.Arch,
		pageSize: cfg.PageSize,
		log:      cfg.Logger,
		kicker:   cfg.Kicker,
	}
	if m.pageSize == 0 {
		m.pageSize = uint64(os.Getpagesize())
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.kicker == nil {
		m.kicker = platformKicker{}
	}
	if s, ok := kernel.(nvmm.Stopper); ok {
		m.stopper = s
	}
	if cfg.Arch == hv.ArchitectureX86_64 {
		x86, ok := plane.(hv.X86Platform)
		if !ok {
			return nil, fmt.Errorf("nvmm: control plane %T has no x86 interrupt controller", plane)
		}
		m.x86 = x86
	}

	m.cap, err = kernel.Capability()
	if err != nil {
		return nil, fmt.Errorf("nvmm: query capability: %w", err)
	}
	if m.cap.Version < nvmm.KernVersion {
		return nil, fmt.Errorf("%w: have %d, need %d", nvmm.ErrUnsupportedVersion, m.cap.Version, nvmm.KernVersion)
	}
	if m.cap.StateSize != want {
		return nil, fmt.Errorf("%w: hypervisor %d, expected %d", nvmm.ErrStateSizeMismatch, m.cap.StateSize, want)
	}

	m.mach, err = kernel.CreateMachine()
	if err != nil {
		return nil, fmt.Errorf("nvmm: create machine: %w", err)
	}

	m.listener = &memoryListener{m: m}

	m.log.Debug("nvmm: machine created",
		"arch", m.arch,
		"version", m.cap.Version,
		"state_size", m.cap.StateSize,
		"max_vcpus", m.cap.MaxVCPUs,
		"vcpu_conf", fmt.Sprintf("%#x", m.cap.Arch.VCPUConfSupport),
	)

	return m, nil
}

func (m *Machine) Capability() nvmm.Capability      { return m.cap }
func (m *Machine) Architecture() hv.CpuArchitecture { return m.arch }
func (m *Machine) PageSize() uint64                 { return m.pageSize }

// AttachMemory starts mirroring as into the hypervisor. Existing RAM blocks
// are registered before any region referencing them.
func (m *Machine) AttachMemory(as *hv.AddressSpace) error {
	if as.PageSize() != m.pageSize {
		return fmt.Errorf("nvmm: address space page size 0x%x, host 0x%x", as.PageSize(), m.pageSize)
	}
	as.AddRAMBlockNotifier(m.listener)
	as.AddListener(m.listener)
	return nil
}

// Close destroys the hypervisor machine. All VCPUs must be destroyed first.
func (m *Machine) Close() error {
	if m.mach == nil {
		return nil
	}
	if err := m.kernel.DestroyMachine(m.mach); err != nil {
		return fmt.Errorf("nvmm: destroy machine: %w", err)
	}
	m.mach = nil
	return nil
}

// installMigrationBlocker registers the blocker the first time a VCPU is
// created. A failed registration is retried by the next VCPU.
func (m *Machine) installMigrationBlocker() error {
	m.blockerMu.Lock()
	defer m.blockerMu.Unlock()

	if m.blockerInstalled {
		return nil
	}
	if err := m.plane.AddMigrationBlocker(errMigrationUnsupported); err != nil {
		return fmt.Errorf("nvmm: add migration blocker: %w", err)
	}
	m.blockerInstalled = true
	return nil
}
