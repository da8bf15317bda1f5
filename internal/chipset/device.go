package chipset

import (
	"context"

	"github.com/tinyrange/nvmm/internal/hv"
)

// Access is one guest access routed to a device.
type Access struct {
	// CPU is the core whose exit produced the access. It is nil for
	// accesses made by the host.
	CPU *hv.CPU

	// Addr is the I/O port number or the guest physical address.
	Addr  uint64
	Data  []byte
	Write bool
}

// CPUIndex returns the index of the accessing core, or 0 for the host.
func (a *Access) CPUIndex() int {
	if a.CPU == nil {
		return 0
	}
	return a.CPU.Index
}

// PortIOHandler serves the I/O ports a device claims.
type PortIOHandler interface {
	HandlePortIO(a *Access) error
}

// PortIOIntercept lists the ports a device claims.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler serves the MMIO regions a device claims. Accesses never
// straddle the end of a claimed region.
type MmioHandler interface {
	HandleMMIO(a *Access) error
}

// MmioIntercept lists the MMIO regions a device claims.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// PollHandler is run from the machine's poll loop.
type PollHandler interface {
	Poll(ctx context.Context) error
}

type PollDevice struct {
	Handler PollHandler
}

// LineInterrupt is a device's interrupt output.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that goes nowhere.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// ChangeDeviceState is the lifecycle the machine drives every device
// through.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is a device model on the machine's buses. Each Supports
// method returns nil when the device does not use that bus.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}
