package machine

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/nvmm/internal/chipset"
	"github.com/tinyrange/nvmm/internal/hv"
)

// x86 system device ports.
const (
	sysPortConsole  uint16 = 0xE9
	sysPortExit     uint16 = 0xF4
	sysPortTimerAck uint16 = 0xF5
	sysPortStartCPU uint16 = 0xF6
	sysPortSIPI     uint16 = 0xF7
	sysPortCPU      uint16 = 0xF8
	sysPortReset    uint16 = 0xCF9

	// resetControlSystem is the bit of the reset control register that
	// resets the system when written.
	resetControlSystem = 0x04
)

// AArch64 system device register offsets.
const (
	sysRegConsole  = 0x00
	sysRegExit     = 0x04
	sysRegReset    = 0x08
	sysRegTimerAck = 0x0C
	sysRegStartCPU = 0x10
	sysRegEntryLo  = 0x18
	sysRegEntryHi  = 0x1C
	sysRegCPU      = 0x20
)

// timerLine is the interrupt line of the periodic timer: ISA IRQ 0 on x86
// and the IRQ line on AArch64.
const timerLine = 0

// systemHost is the part of the machine the system device drives.
type systemHost interface {
	exit(code int)
	startCPU(index int, entry uint64)
}

// systemDevice is the guest's way out: a debug console, power-off with an
// exit code, reset, a periodic timer and secondary CPU bring-up. Reading
// the CPU register returns the index of the core doing the read. On x86 it
// sits on I/O ports; on AArch64 it is a page of MMIO registers.
type systemDevice struct {
	arch    hv.CpuArchitecture
	base    uint64
	host    systemHost
	console io.Writer
	timer   chipset.LineInterrupt
	timerHz int

	plane    hv.ControlPlane
	entry    uint64
	sipi     uint8
	resetCtl uint8
}

func newSystemDevice(arch hv.CpuArchitecture, host systemHost, console io.Writer, timer chipset.LineInterrupt, timerHz int) *systemDevice {
	if console == nil {
		console = io.Discard
	}
	if timer == nil {
		timer = chipset.LineInterruptDetached()
	}
	return &systemDevice{
		arch:    arch,
		base:    arm64SysDeviceBase,
		host:    host,
		console: console,
		timer:   timer,
		timerHz: timerHz,
	}
}

func (d *systemDevice) Init(plane hv.ControlPlane) error {
	d.plane = plane
	return nil
}

func (d *systemDevice) Start() error { return nil }

func (d *systemDevice) Stop() error {
	d.timer.SetLevel(false)
	return nil
}

func (d *systemDevice) Reset() error {
	d.timer.SetLevel(false)
	d.entry = 0
	d.sipi = 0
	d.resetCtl = 0
	return nil
}

func (d *systemDevice) SupportsPortIO() *chipset.PortIOIntercept {
	if d.arch != hv.ArchitectureX86_64 {
		return nil
	}
	return &chipset.PortIOIntercept{
		Ports: []uint16{
			sysPortConsole, sysPortExit, sysPortTimerAck,
			sysPortStartCPU, sysPortSIPI, sysPortCPU, sysPortReset,
		},
		Handler: d,
	}
}

func (d *systemDevice) SupportsMmio() *chipset.MmioIntercept {
	if d.arch != hv.ArchitectureARM64 {
		return nil
	}
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: d.base, Size: arm64SysDeviceSize}},
		Handler: d,
	}
}

func (d *systemDevice) SupportsPollDevice() *chipset.PollDevice {
	if d.timerHz <= 0 {
		return nil
	}
	return &chipset.PollDevice{Handler: d}
}

// Poll raises the timer line. The guest lowers it again by acknowledging.
func (d *systemDevice) Poll(context.Context) error {
	d.timer.SetLevel(true)
	return nil
}

func (d *systemDevice) HandlePortIO(a *chipset.Access) error {
	port := uint16(a.Addr)
	if len(a.Data) == 0 {
		return fmt.Errorf("sysdev: empty access to port 0x%04x", port)
	}
	if a.Write {
		return d.writePort(port, a.Data)
	}
	data := a.Data
	clear(data)
	switch port {
	case sysPortConsole:
		// reads back the port number, like the Bochs debug port
		data[0] = byte(sysPortConsole)
	case sysPortSIPI:
		data[0] = d.sipi
	case sysPortCPU:
		data[0] = byte(a.CPUIndex())
	case sysPortReset:
		data[0] = d.resetCtl
	}
	return nil
}

func (d *systemDevice) writePort(port uint16, data []byte) error {
	switch port {
	case sysPortConsole:
		if _, err := d.console.Write(data[:1]); err != nil {
			return fmt.Errorf("sysdev: console: %w", err)
		}
	case sysPortExit:
		d.host.exit(int(littleEndian(data)))
	case sysPortTimerAck:
		d.timer.SetLevel(false)
	case sysPortStartCPU:
		d.host.startCPU(int(data[0]), uint64(d.sipi)<<12)
	case sysPortSIPI:
		d.sipi = data[0]
	case sysPortReset:
		d.resetCtl = data[0]
		if data[0]&resetControlSystem != 0 {
			d.plane.SystemResetRequest(hv.ShutdownCauseGuestReset)
		}
	default:
		return fmt.Errorf("sysdev: invalid write port 0x%04x", port)
	}
	return nil
}

func (d *systemDevice) HandleMMIO(a *chipset.Access) error {
	if a.Write {
		return d.writeRegister(a.Addr-d.base, a.Data)
	}
	data := a.Data
	var v uint64
	switch a.Addr - d.base {
	case sysRegEntryLo:
		v = d.entry & 0xFFFF_FFFF
		if len(data) == 8 {
			v = d.entry
		}
	case sysRegEntryHi:
		v = d.entry >> 32
	case sysRegCPU:
		v = uint64(a.CPUIndex())
	}
	putLittleEndian(data, v)
	return nil
}

func (d *systemDevice) writeRegister(off uint64, data []byte) error {
	v := littleEndian(data)
	switch off {
	case sysRegConsole:
		if _, err := d.console.Write([]byte{byte(v)}); err != nil {
			return fmt.Errorf("sysdev: console: %w", err)
		}
	case sysRegExit:
		d.host.exit(int(v))
	case sysRegReset:
		d.plane.SystemResetRequest(hv.ShutdownCauseGuestReset)
	case sysRegTimerAck:
		d.timer.SetLevel(false)
	case sysRegStartCPU:
		d.host.startCPU(int(v), d.entry)
	case sysRegEntryLo:
		if len(data) == 8 {
			d.entry = v
		} else {
			d.entry = d.entry&^0xFFFF_FFFF | v&0xFFFF_FFFF
		}
	case sysRegEntryHi:
		d.entry = d.entry&0xFFFF_FFFF | v<<32
	default:
		return fmt.Errorf("sysdev: invalid register offset 0x%x", off)
	}
	return nil
}

func littleEndian(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}

func putLittleEndian(data []byte, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(data, buf[:])
}

var (
	_ chipset.ChipsetDevice = (*systemDevice)(nil)
	_ chipset.PollHandler   = (*systemDevice)(nil)
)
