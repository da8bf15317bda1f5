package machine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/nvmm/internal/chipset"
	"github.com/tinyrange/nvmm/internal/hv"
)

// Serial console placement.
const (
	x86UARTBase = 0x3F8
	x86UARTIRQ  = 4

	arm64UARTBase = 0x0900_1000
	arm64UARTSize = 0x1000
)

const (
	uartRegisterCount = 8
	uartFIFOSize      = 16

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3 // gates the interrupt output
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	iirNone = 0x01
	iirTHRE = 0x02
	iirRX   = 0x04
	iirLine = 0x06
	iirFIFO = 0xC0
)

// uart is a 16550 serial port. On x86 it decodes eight I/O ports; on
// AArch64 it is an 8250 with byte-wide registers at consecutive addresses.
type uart struct {
	mu sync.Mutex

	arch hv.CpuArchitecture
	irq  chipset.LineInterrupt
	out  io.Writer
	in   io.Reader

	input     chan byte
	startOnce sync.Once

	dll, dlm byte
	ier      byte
	lcr      byte
	mcr      byte
	lsr      byte
	msr      byte
	msrDelta byte
	scr      byte

	fifoEnabled bool
	rx          []byte
	threPending bool
	skipLF      bool
}

func newUART(arch hv.CpuArchitecture, irq chipset.LineInterrupt, out io.Writer, in io.Reader) *uart {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	u := &uart{arch: arch, irq: irq, out: out, in: in}
	if in != nil {
		u.input = make(chan byte, 256)
	}
	u.resetLocked()
	return u
}

func (u *uart) resetLocked() {
	u.dll, u.dlm = 0, 0
	u.ier, u.lcr, u.mcr, u.scr = 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.msr = msrCTS | msrDSR | msrDCD
	u.msrDelta = 0
	u.fifoEnabled = false
	u.rx = u.rx[:0]
	u.threPending = false
	u.skipLF = false
	u.irq.SetLevel(false)
}

// Init implements hv.Device.
func (u *uart) Init(hv.ControlPlane) error { return nil }

// Start begins reading host input, if any.
func (u *uart) Start() error {
	if u.in == nil {
		return nil
	}
	u.startOnce.Do(func() { go u.readInput() })
	return nil
}

// readInput forwards host input to Poll. It exits when the reader does.
func (u *uart) readInput() {
	buf := make([]byte, 64)
	for {
		n, err := u.in.Read(buf)
		for _, b := range buf[:n] {
			u.input <- b
		}
		if err != nil {
			return
		}
	}
}

func (u *uart) Stop() error { return nil }

func (u *uart) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	return nil
}

func (u *uart) SupportsPortIO() *chipset.PortIOIntercept {
	if u.arch != hv.ArchitectureX86_64 {
		return nil
	}
	ports := make([]uint16, uartRegisterCount)
	for i := range ports {
		ports[i] = x86UARTBase + uint16(i)
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: u}
}

func (u *uart) SupportsMmio() *chipset.MmioIntercept {
	if u.arch != hv.ArchitectureARM64 {
		return nil
	}
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: arm64UARTBase, Size: arm64UARTSize}},
		Handler: u,
	}
}

func (u *uart) SupportsPollDevice() *chipset.PollDevice {
	if u.in == nil {
		return nil
	}
	return &chipset.PollDevice{Handler: u}
}

// Poll moves pending host input into the receive buffer.
func (u *uart) Poll(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for u.hasRoomLocked() {
		select {
		case b := <-u.input:
			u.receiveLocked(b)
		default:
			return nil
		}
	}
	return nil
}

func (u *uart) HandlePortIO(a *chipset.Access) error {
	if len(a.Data) != 1 {
		return fmt.Errorf("uart: %d byte access of port 0x%x", len(a.Data), a.Addr)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	reg := uint16(a.Addr - x86UARTBase)
	if a.Write {
		u.writeLocked(reg, a.Data[0])
	} else {
		a.Data[0] = u.readLocked(reg)
	}
	return nil
}

// HandleMMIO serves the register in the low byte of an access of up to four
// bytes; reads return zeros above it.
func (u *uart) HandleMMIO(a *chipset.Access) error {
	off := a.Addr - arm64UARTBase
	if off >= uartRegisterCount || len(a.Data) == 0 || len(a.Data) > 4 {
		return fmt.Errorf("uart: %d byte access at offset 0x%x", len(a.Data), off)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if a.Write {
		u.writeLocked(uint16(off), a.Data[0])
		return nil
	}
	fill(a.Data, 0)
	a.Data[0] = u.readLocked(uint16(off))
	return nil
}

// resample runs when the guest ends the serial interrupt. An interrupt that
// is still pending is signalled again so an edge triggered controller sees
// a new request.
func (u *uart) resample() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.iirLocked() == iirNone || u.mcr&mcrOUT2 == 0 {
		return
	}
	u.irq.SetLevel(false)
	u.irq.SetLevel(true)
}

func (u *uart) readLocked(reg uint16) byte {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.popLocked()
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.iirLocked()
		if iir == iirTHRE {
			// reading IIR acknowledges a transmitter interrupt
			u.threPending = false
			u.updateLocked()
		}
		if u.fifoEnabled {
			iir |= iirFIFO
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		v := u.lsr
		u.lsr &^= lsrOverrun
		u.updateLocked()
		return v
	case 6:
		v := u.msr | u.msrDelta
		u.msrDelta = 0
		return v
	case 7:
		return u.scr
	}
	return 0
}

func (u *uart) writeLocked(reg uint16, v byte) {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = v
			return
		}
		u.transmitLocked(v)
		u.threPending = true
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = v
			return
		}
		if v&0x02 != 0 && u.ier&0x02 == 0 {
			// enabling the transmitter interrupt with THR empty raises it
			u.threPending = true
		}
		u.ier = v & 0x0F
	case 2:
		u.fifoEnabled = v&0x01 != 0
		if v&0x02 != 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
	case 3:
		u.lcr = v
	case 4:
		prev := u.mcr
		u.mcr = v & 0x1F
		if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
		u.updateModemLocked()
	case 7:
		u.scr = v
	}
	u.updateLocked()
}

// transmitLocked sends v to the host, turning CR and CRLF into LF. In
// loopback mode it is received instead.
func (u *uart) transmitLocked(v byte) {
	if u.mcr&mcrLoop != 0 {
		u.receiveLocked(v)
		return
	}
	if u.out == nil {
		return
	}
	switch v {
	case '\r':
		u.skipLF = true
		v = '\n'
	case '\n':
		if u.skipLF {
			u.skipLF = false
			return
		}
	default:
		u.skipLF = false
	}
	_, _ = u.out.Write([]byte{v})
}

func (u *uart) depthLocked() int {
	if u.fifoEnabled {
		return uartFIFOSize
	}
	return 1
}

func (u *uart) hasRoomLocked() bool { return len(u.rx) < u.depthLocked() }

func (u *uart) receiveLocked(v byte) {
	if !u.hasRoomLocked() {
		u.lsr |= lsrOverrun
		u.updateLocked()
		return
	}
	u.rx = append(u.rx, v)
	u.lsr |= lsrDataReady
	u.updateLocked()
}

func (u *uart) popLocked() byte {
	if len(u.rx) == 0 {
		return 0
	}
	v := u.rx[0]
	u.rx = append(u.rx[:0], u.rx[1:]...)
	if len(u.rx) == 0 {
		u.lsr &^= lsrDataReady
	}
	u.updateLocked()
	return v
}

func (u *uart) updateModemLocked() {
	if u.mcr&mcrLoop == 0 {
		u.msr = msrCTS | msrDSR | msrDCD
		return
	}
	var msr byte
	if u.mcr&mcrRTS != 0 {
		msr |= msrCTS
	}
	if u.mcr&mcrDTR != 0 {
		msr |= msrDSR
	}
	if u.mcr&mcrOUT1 != 0 {
		msr |= msrRI
	}
	if u.mcr&mcrOUT2 != 0 {
		msr |= msrDCD
	}
	u.msr = msr
}

// iirLocked returns the highest priority pending interrupt.
func (u *uart) iirLocked() byte {
	switch {
	case u.ier&0x04 != 0 && u.lsr&lsrOverrun != 0:
		return iirLine
	case u.ier&0x01 != 0 && len(u.rx) > 0:
		return iirRX
	case u.ier&0x02 != 0 && u.threPending:
		return iirTHRE
	}
	return iirNone
}

func (u *uart) updateLocked() {
	u.irq.SetLevel(u.iirLocked() != iirNone && u.mcr&mcrOUT2 != 0)
}

var _ chipset.ChipsetDevice = (*uart)(nil)
