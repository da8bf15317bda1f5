package chipset

import "sync"

// InterruptSink receives the level of an interrupt line. On x86 the line is
// a legacy ISA IRQ; on AArch64 line 0 is IRQ and line 1 is FIQ.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// LineSet hands out interrupt lines feeding one sink and routes end of
// interrupt notifications back to the devices behind them. Level changes
// are forwarded only when the level actually changes; pulses always are.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint8]bool
	eoi   map[uint8][]func()
}

// NewLineSet returns a LineSet forwarding to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]bool),
		eoi:   make(map[uint8][]func()),
	}
}

// AllocateLine returns the LineInterrupt driving line.
func (l *LineSet) AllocateLine(line uint8) LineInterrupt {
	return &lineHandle{owner: l, line: line}
}

// Level reports the current level of line.
func (l *LineSet) Level(line uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines[line]
}

// RegisterEOICallback runs fn whenever the interrupt controller ends an
// interrupt taken from line.
func (l *LineSet) RegisterEOICallback(line uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[line] = append(l.eoi[line], fn)
}

// BroadcastEOI runs the callbacks registered for line. Callbacks run
// without the LineSet lock held and may drive lines again.
func (l *LineSet) BroadcastEOI(line uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[line]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type lineHandle struct {
	owner *LineSet
	line  uint8
}

func (h *lineHandle) SetLevel(high bool) {
	l := h.owner
	l.mu.Lock()
	changed := l.lines[h.line] != high
	l.lines[h.line] = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(h.line, high)
	}
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.sink.SetIRQ(h.line, true)
	h.owner.sink.SetIRQ(h.line, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
