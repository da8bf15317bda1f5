package accel

import (
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/hv"
)

const roundTripIterations = 300

// wordSource yields register values. Besides a seeded generator, the
// all-zero and all-ones sources cover the boundary patterns.
type wordSource func() uint64

func zeroWords() uint64 { return 0 }
func onesWords() uint64 { return ^uint64(0) }

func (w wordSource) flag() bool { return w()&1 != 0 }

func (w wordSource) bytes16(b *[16]byte) {
	binary.LittleEndian.PutUint64(b[:8], w())
	binary.LittleEndian.PutUint64(b[8:], w())
}

func (w wordSource) segment() hv.SegmentCache {
	return hv.SegmentCache{
		Selector: uint16(w()),
		Base:     w(),
		Limit:    uint32(w()),
		Flags:    uint32(w()),
	}
}

// roundTripSources returns the sources each register class is checked
// against: the two boundary patterns and a seeded random sample.
func roundTripSources(seed uint64) map[string]struct {
	src wordSource
	n   int
} {
	r := rand.New(rand.NewPCG(seed, seed^0x9E37_79B9_7F4A_7C15))
	return map[string]struct {
		src wordSource
		n   int
	}{
		"zero":   {zeroWords, 1},
		"ones":   {onesWords, 1},
		"random": {r.Uint64, roundTripIterations},
	}
}

var x86RegisterClasses = []struct {
	name string
	fill func(w wordSource, s *hv.X86State)
}{
	{"gpr", func(w wordSource, s *hv.X86State) {
		for i := range s.Regs {
			s.Regs[i] = w()
		}
		s.RIP = w()
		s.RFLAGS = w()
	}},
	{"segment", func(w wordSource, s *hv.X86State) {
		for i := range s.Segs {
			s.Segs[i] = w.segment()
		}
		s.LDT = w.segment()
		s.TR = w.segment()
		s.GDT = w.segment()
		s.IDT = w.segment()
	}},
	{"control-debug", func(w wordSource, s *hv.X86State) {
		for i := range s.CR {
			s.CR[i] = w()
		}
		s.XCR0 = w()
		for i := range s.DR {
			s.DR[i] = w()
		}
	}},
	{"fpu", func(w wordSource, s *hv.X86State) {
		s.FPUC = uint16(w())
		s.FPUS = uint16(w())
		s.FPSTT = uint8(w())
		for i := range s.FPTags {
			s.FPTags[i] = w.flag()
		}
		s.FPOp = uint16(w())
		s.FPIP = w()
		s.FPDP = w()
		for i := range s.FPRegs {
			w.bytes16(&s.FPRegs[i])
		}
		s.MXCSR = uint32(w())
		for i := range s.XMM {
			w.bytes16(&s.XMM[i])
		}
	}},
	{"msr", func(w wordSource, s *hv.X86State) {
		s.EFER = w()
		s.STAR = w()
		s.LSTAR = w()
		s.CSTAR = w()
		s.FMASK = w()
		s.KernelGSBase = w()
		s.SysenterCS = w()
		s.SysenterESP = w()
		s.SysenterEIP = w()
		s.PAT = w()
		s.TSC = w()
	}},
}

// canonicalX86 forces the bits the hypervisor layout has no room for to
// their defined values.
func canonicalX86(s hv.X86State) hv.X86State {
	for i := range s.Segs {
		s.Segs[i].Flags &= hv.DescFlagsMask
	}
	s.LDT.Flags &= hv.DescFlagsMask
	s.TR.Flags &= hv.DescFlagsMask
	s.GDT = hv.SegmentCache{Base: s.GDT.Base, Limit: s.GDT.Limit}
	s.IDT = hv.SegmentCache{Base: s.IDT.Base, Limit: s.IDT.Limit}

	// CR1, DR4 and DR5 do not exist
	s.CR[1] = 0
	s.DR[4], s.DR[5] = 0, 0

	s.FPSTT &= 7
	s.FPUS = s.FPUS&^hv.FPUSTopMask | uint16(s.FPSTT)<<hv.FPUSTopShift

	s.TPRAccessType = 0
	s.HFlags = 0
	s.UpdateHFlags()
	return s
}

func TestX86RoundTripByClass(t *testing.T) {
	for ci, class := range x86RegisterClasses {
		for name, src := range roundTripSources(uint64(ci) + 1) {
			t.Run(class.name+"/"+name, func(t *testing.T) {
				f := newFixture(t, hv.ArchitectureX86_64, false)

				for i := 0; i < src.n; i++ {
					var in hv.X86State
					class.fill(src.src, &in)
					want := canonicalX86(in)

					*f.cpu.X86 = in
					f.v.pushNow()

					*f.cpu.X86 = hv.X86State{}
					f.plane.Lock()
					f.v.policy.pull()
					f.plane.Unlock()

					require.Equal(t, want, *f.cpu.X86, "iteration %d", i)
				}
			})
		}
	}
}

// arm64Values is the register file of an ARM64State that crosses the
// hypervisor boundary, in comparable form.
type arm64Values struct {
	X      [32]uint64
	SP     [2]uint64
	PC     uint64
	PState uint32
	ELRel1 uint64
	V      [32][16]byte
	FPCR   uint32
	FPSR   uint32
	EL     uint8
	SPSel  bool
	Sys    map[uint32]uint64
}

func arm64ValuesOf(s *hv.ARM64State) arm64Values {
	v := arm64Values{
		X:      s.X,
		SP:     s.SP,
		PC:     s.PC,
		PState: s.PState,
		ELRel1: s.ELRel1,
		V:      s.V,
		FPCR:   s.FPCR(),
		FPSR:   s.FPSR(),
		EL:     s.EL,
		SPSel:  s.SPSel,
		Sys:    map[uint32]uint64{},
	}
	for _, e := range sysregTable {
		if val, ok := s.CPRegByKey(e.key); ok {
			v.Sys[e.key] = val
		}
	}
	return v
}

var arm64RegisterClasses = []struct {
	name string
	fill func(w wordSource, s *hv.ARM64State)
}{
	{"gpr", func(w wordSource, s *hv.ARM64State) {
		for i := range s.X {
			s.X[i] = w()
		}
		s.SP = [2]uint64{w(), w()}
		s.PC = w()
		s.PState = uint32(w())
		s.ELRel1 = w()
	}},
	{"fp", func(w wordSource, s *hv.ARM64State) {
		for i := range s.V {
			w.bytes16(&s.V[i])
		}
		// the setters drop the reserved bits
		s.SetFPCR(uint32(w()))
		s.SetFPSR(uint32(w()))
	}},
	{"sysreg", func(w wordSource, s *hv.ARM64State) {
		for _, e := range sysregTable {
			if n, _, ok := s.LookupCPReg(e.key); ok {
				s.SetCPRegValue(n, w())
			}
		}
	}},
}

func TestARM64RoundTripByClass(t *testing.T) {
	for ci, class := range arm64RegisterClasses {
		for name, src := range roundTripSources(uint64(ci) + 100) {
			t.Run(class.name+"/"+name, func(t *testing.T) {
				f := newFixture(t, hv.ArchitectureARM64, false)

				for i := 0; i < src.n; i++ {
					in := hv.NewARM64State(hv.DefaultARM64CPRegs()...)
					class.fill(src.src, in)
					in.UpdateMode()
					want := arm64ValuesOf(in)

					f.cpu.ARM64 = in
					f.v.pushNow()

					f.cpu.ARM64 = hv.NewARM64State(hv.DefaultARM64CPRegs()...)
					f.plane.Lock()
					f.v.policy.pull()
					f.plane.Unlock()

					require.Equal(t, want, arm64ValuesOf(f.cpu.ARM64), "iteration %d", i)
				}
			})
		}
	}
}
