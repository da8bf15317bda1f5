package hv

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrGuestCrashed     = errors.New("guest crashed")
	ErrMigrationBlocked = errors.New("migration blocked")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ShutdownCause explains why a system reset was requested.
type ShutdownCause int

const (
	ShutdownCauseNone ShutdownCause = iota
	ShutdownCauseHostError
	ShutdownCauseGuestShutdown
	ShutdownCauseGuestReset
)

func (c ShutdownCause) String() string {
	switch c {
	case ShutdownCauseHostError:
		return "host-error"
	case ShutdownCauseGuestShutdown:
		return "guest-shutdown"
	case ShutdownCauseGuestReset:
		return "guest-reset"
	default:
		return "none"
	}
}

// CrashInfo is the postmortem captured when a guest stops in a state the
// accelerator cannot handle.
type CrashInfo struct {
	CPU    int
	Reason string
	Dump   string
}

func (c CrashInfo) Error() string {
	return fmt.Sprintf("cpu %d: %s", c.CPU, c.Reason)
}

func (c CrashInfo) Unwrap() error { return ErrGuestCrashed }

// ControlPlane is the emulator side a CPU accelerator is driven by. The
// embedded Locker is the global execution lock: device models and the
// memory model are only touched while it is held.
type ControlPlane interface {
	sync.Locker

	// RunOnCPU runs fn on the OS thread that owns cpu and waits for it.
	RunOnCPU(cpu *CPU, fn func(cpu *CPU))

	GuestPanicked(cpu *CPU, info CrashInfo)
	SystemResetRequest(cause ShutdownCause)
	ReportError(err error)
	AddMigrationBlocker(reason error) error

	// PhysicalMemoryRW and IOPortRW serve the accesses cpu made. cpu is
	// nil for accesses the host makes on the guest's behalf.
	PhysicalMemoryRW(cpu *CPU, gpa uint64, data []byte, write bool)
	IOPortRW(cpu *CPU, port uint16, data []byte, write bool) error
}

// TPRAccess is the kind of access reported by TPRAccessReport.
type TPRAccess int

const (
	TPRAccessRead TPRAccess = iota
	TPRAccessWrite
)

// X86Platform exposes the interrupt controller and reset plumbing an x86
// accelerator needs. All methods are called with the control plane lock
// held.
type X86Platform interface {
	APICTPR(cpu *CPU) uint8
	SetAPICTPR(cpu *CPU, tpr uint8)
	APICBase(cpu *CPU) uint64
	SetAPICBase(cpu *CPU, base uint64)
	APICPoll(cpu *CPU)

	// PICInterrupt acknowledges the highest priority pending interrupt and
	// returns its vector, or -1 when none is pending.
	PICInterrupt(cpu *CPU) int

	CPUInit(cpu *CPU)
	CPUSIPI(cpu *CPU)
	TPRAccessReport(cpu *CPU, ip uint64, access TPRAccess)
}

// Device is a model attached to the control plane.
type Device interface {
	Init(plane ControlPlane) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}
