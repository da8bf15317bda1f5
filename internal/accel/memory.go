package accel

import (
	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
)

// alignSection shrinks [start, start+size) to whole pages. delta is the
// number of leading bytes dropped. ok is false when no whole page remains.
func alignSection(start, size, pageSize uint64) (alignedStart, alignedSize, delta uint64, ok bool) {
	offMask := pageSize - 1

	delta = (pageSize - (start & offMask)) & offMask
	if delta > size {
		return 0, 0, 0, false
	}
	start += delta
	size -= delta
	size &^= offMask
	if size == 0 || start&offMask != 0 {
		return 0, 0, 0, false
	}
	return start, size, delta, true
}

// memoryListener mirrors the memory model's RAM sections into the
// hypervisor's guest-physical map.
type memoryListener struct {
	m *Machine
}

func (l *memoryListener) Begin()  {}
func (l *memoryListener) Commit() {}

func (l *memoryListener) RegionAdd(s *hv.MemorySection) {
	s.Region.Ref()
	l.m.processSection(s, true)
}

func (l *memoryListener) RegionDel(s *hv.MemorySection) {
	l.m.processSection(s, false)
	s.Region.Unref()
}

// LogSync marks every page of the section dirty since NVMM keeps no dirty
// log.
func (l *memoryListener) LogSync(s *hv.MemorySection) {
	if !s.Region.IsRAM() {
		return
	}
	s.Region.SetDirty(s.OffsetWithinRegion, s.Size)
}

func (l *memoryListener) RAMBlockAdded(host uintptr, size, maxSize uint64) {
	if err := l.m.kernel.MapHVA(l.m.mach, host, maxSize); err != nil {
		l.m.log.Error("nvmm: failed to register host memory window",
			"hva", host, "size", maxSize, "error", err)
	}
}

func (m *Machine) processSection(s *hv.MemorySection, add bool) {
	r := s.Region
	if !r.IsRAM() {
		return
	}

	gpa, size, delta, ok := alignSection(s.GPA, s.Size, m.pageSize)
	if !ok {
		return
	}
	hva := r.HostAddr() + uintptr(s.OffsetWithinRegion+delta)

	if add {
		prot := nvmm.ProtRead | nvmm.ProtExec
		if !r.IsROM() {
			prot |= nvmm.ProtWrite
		}
		if err := m.kernel.MapGPA(m.mach, hva, gpa, size, prot); err != nil {
			m.log.Error("nvmm: failed to map guest memory",
				"region", r.Name, "gpa", gpa, "size", size, "hva", hva, "error", err)
		}
		return
	}

	if err := m.kernel.UnmapGPA(m.mach, hva, gpa, size); err != nil {
		m.log.Error("nvmm: failed to unmap guest memory",
			"region", r.Name, "gpa", gpa, "size", size, "hva", hva, "error", err)
	}
}

var (
	_ hv.MemoryListener   = &memoryListener{}
	_ hv.RAMBlockNotifier = &memoryListener{}
)
