package machine

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/nvmm/internal/chipset"
	"github.com/tinyrange/nvmm/internal/hv"
)

const (
	picPrimaryCommand   uint16 = 0x20
	picPrimaryData      uint16 = 0x21
	picSecondaryCommand uint16 = 0xA0
	picSecondaryData    uint16 = 0xA1
	picPrimaryELCR      uint16 = 0x4D0
	picSecondaryELCR    uint16 = 0x4D1

	picCascadeIRQ  = 2
	picSpuriousIRQ = 7

	// Power-on vector bases used before the guest programs ICW2.
	picPrimaryBase   = 0x08
	picSecondaryBase = 0x70
)

// i8259 is one controller of the cascaded pair. Edge-triggered inputs
// only request again after the line was seen low; inputs selected in elcr
// request for as long as they are high.
type i8259 struct {
	primary bool

	base    uint8
	imr     uint8
	isr     uint8
	elcr    uint8
	lines   uint8
	lineLow uint8

	initStep int // 0 when initialized, else the next ICW expected
	icw4     bool
	autoEOI  bool
	readISR  bool
}

func newI8259(primary bool) i8259 {
	p := i8259{primary: primary, lineLow: 0xFF, base: picSecondaryBase}
	if primary {
		p.base = picPrimaryBase
	}
	return p
}

func (p *i8259) irr() uint8 { return p.lines & (p.elcr | p.lineLow) }

func (p *i8259) setIRQ(line uint8, high bool) {
	bit := uint8(1) << line
	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
		p.lineLow |= bit
	}
}

// pending returns the highest priority request not blocked by the mask or
// by an interrupt in service, or -1.
func (p *i8259) pending() int {
	ready := p.irr() &^ p.imr
	if p.isr != 0 {
		// only lines of higher priority than the one in service
		inService := p.isr & -p.isr
		ready &= inService - 1
	}
	if ready == 0 {
		return -1
	}
	return bits.TrailingZeros8(ready)
}

func (p *i8259) ack(line int) uint8 {
	bit := uint8(1) << line
	p.lineLow &^= bit
	if !p.autoEOI {
		p.isr |= bit
	}
	return p.base + uint8(line)
}

// writeCommand returns the line an EOI command took out of service, or -1.
func (p *i8259) writeCommand(v uint8) int {
	switch {
	case v&0x10 != 0: // ICW1
		p.imr = 0
		p.isr = 0
		p.lineLow = 0xFF
		p.readISR = false
		p.autoEOI = false
		p.icw4 = v&0x01 != 0
		p.initStep = 2
	case v&0x08 == 0: // OCW2
		var bit uint8
		switch v & 0xE0 {
		case 0x20: // non-specific EOI
			bit = p.isr & -p.isr
		case 0x60: // specific EOI
			bit = (1 << (v & 7)) & p.isr
		}
		if bit != 0 {
			p.isr &^= bit
			return bits.TrailingZeros8(bit)
		}
	default: // OCW3
		if v&0x02 != 0 {
			p.readISR = v&0x01 != 0
		}
	}
	return -1
}

func (p *i8259) writeData(v uint8) {
	switch p.initStep {
	case 0:
		p.imr = v
	case 2:
		p.base = v &^ 7
		p.initStep = 3
	case 3:
		if p.icw4 {
			p.initStep = 4
		} else {
			p.initStep = 0
		}
	case 4:
		p.autoEOI = v&0x02 != 0
		p.initStep = 0
	}
}

func (p *i8259) readCommand() uint8 {
	if p.readISR {
		return p.isr
	}
	return p.irr()
}

// PIC is the cascaded pair of 8259 interrupt controllers of a PC. Its
// output drives the hard interrupt request of the boot CPU.
type PIC struct {
	mu     sync.Mutex
	pics   [2]i8259
	output func(level bool)
	eoi    func(line uint8)

	spurious uint64
}

// NewPIC returns a PIC whose output is reported to output.
func NewPIC(output func(level bool)) *PIC {
	p := &PIC{output: output}
	p.reset()
	return p
}

// OnEOI reports the ISA line of every interrupt the guest ends. fn runs
// without the PIC lock held.
func (p *PIC) OnEOI(fn func(line uint8)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eoi = fn
}

func (p *PIC) reset() {
	p.pics = [2]i8259{newI8259(true), newI8259(false)}
}

// SetIRQ implements chipset.InterruptSink for ISA lines 0 to 15.
func (p *PIC) SetIRQ(line uint8, level bool) {
	if line >= 16 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncLocked()
}

// Acknowledge takes the highest priority request and returns its vector,
// or -1 when nothing is pending.
func (p *PIC) Acknowledge() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.syncLocked()

	line := p.pics[0].pending()
	if line < 0 {
		return -1
	}
	if line != picCascadeIRQ {
		return int(p.pics[0].ack(line))
	}

	p.pics[0].ack(line)
	sline := p.pics[1].pending()
	if sline < 0 {
		p.spurious++
		return int(p.pics[1].base + picSpuriousIRQ)
	}
	return int(p.pics[1].ack(sline))
}

func (p *PIC) syncLocked() {
	p.pics[0].setIRQ(picCascadeIRQ, p.pics[1].pending() >= 0)
	if p.output != nil {
		p.output(p.pics[0].pending() >= 0)
	}
}

// Spurious returns how many acknowledges found no request on the
// secondary controller.
func (p *PIC) Spurious() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spurious
}

func (p *PIC) Init(hv.ControlPlane) error { return nil }
func (p *PIC) Start() error               { return nil }
func (p *PIC) Stop() error                { return nil }

func (p *PIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := [2]uint8{p.pics[0].lines, p.pics[1].lines}
	p.reset()
	p.pics[0].lines, p.pics[1].lines = lines[0], lines[1]
	p.syncLocked()
	return nil
}

func (p *PIC) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports: []uint16{
			picPrimaryCommand, picPrimaryData,
			picSecondaryCommand, picSecondaryData,
			picPrimaryELCR, picSecondaryELCR,
		},
		Handler: p,
	}
}

func (p *PIC) SupportsMmio() *chipset.MmioIntercept    { return nil }
func (p *PIC) SupportsPollDevice() *chipset.PollDevice { return nil }

// HandlePortIO serves the command, data and edge/level control ports. The
// controllers are byte wide.
func (p *PIC) HandlePortIO(a *chipset.Access) error {
	if len(a.Data) != 1 {
		return fmt.Errorf("pic: invalid access size %d", len(a.Data))
	}
	port := uint16(a.Addr)
	if !a.Write {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.readLocked(port, a.Data)
	}

	p.mu.Lock()
	ended, err := p.writeLocked(port, a.Data[0])
	fn := p.eoi
	p.mu.Unlock()
	if err == nil && ended >= 0 && fn != nil {
		fn(uint8(ended))
	}
	return err
}

func (p *PIC) readLocked(port uint16, data []byte) error {
	switch port {
	case picPrimaryCommand:
		data[0] = p.pics[0].readCommand()
	case picPrimaryData:
		data[0] = p.pics[0].imr
	case picSecondaryCommand:
		data[0] = p.pics[1].readCommand()
	case picSecondaryData:
		data[0] = p.pics[1].imr
	case picPrimaryELCR:
		data[0] = p.pics[0].elcr
	case picSecondaryELCR:
		data[0] = p.pics[1].elcr
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	return nil
}

// writeLocked returns the ISA line an EOI ended, or -1.
func (p *PIC) writeLocked(port uint16, v uint8) (int, error) {
	ended := -1
	switch port {
	case picPrimaryCommand:
		ended = p.pics[0].writeCommand(v)
		if ended == picCascadeIRQ {
			// the cascade input is not a device line
			ended = -1
		}
	case picPrimaryData:
		p.pics[0].writeData(v)
	case picSecondaryCommand:
		if ended = p.pics[1].writeCommand(v); ended >= 0 {
			ended += 8
		}
	case picSecondaryData:
		p.pics[1].writeData(v)
	case picPrimaryELCR:
		p.pics[0].elcr = v
	case picSecondaryELCR:
		p.pics[1].elcr = v
	default:
		return -1, fmt.Errorf("pic: invalid write port 0x%04x", port)
	}
	p.syncLocked()
	return ended, nil
}

var (
	_ chipset.ChipsetDevice = (*PIC)(nil)
	_ chipset.InterruptSink = (*PIC)(nil)
)
