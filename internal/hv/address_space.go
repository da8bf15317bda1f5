package hv

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

// RegionKind is what backs a memory region.
type RegionKind int

const (
	RegionRAM RegionKind = iota
	RegionROM
	RegionIO
)

func (k RegionKind) String() string {
	switch k {
	case RegionRAM:
		return "ram"
	case RegionROM:
		return "rom"
	default:
		return "io"
	}
}

// MemoryRegion is a contiguous block of guest memory. RAM and ROM regions
// are backed by host memory, I/O regions are dispatched to devices.
type MemoryRegion struct {
	Name string
	Kind RegionKind
	Size uint64

	host []byte
	refs atomic.Int32

	dirtyMu  sync.Mutex
	dirty    map[uint64]struct{}
	pageSize uint64
}

// IsRAM reports whether the region is backed by host memory.
func (r *MemoryRegion) IsRAM() bool { return r.Kind == RegionRAM || r.Kind == RegionROM }

// IsROM reports whether the guest may not write the region.
func (r *MemoryRegion) IsROM() bool { return r.Kind == RegionROM }

// Host returns the host backing of a RAM region.
func (r *MemoryRegion) Host() []byte { return r.host }

// HostAddr returns the host virtual address of the backing, or 0.
func (r *MemoryRegion) HostAddr() uintptr {
	if len(r.host) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.host[0]))
}

func (r *MemoryRegion) Ref()        { r.refs.Add(1) }
func (r *MemoryRegion) Unref()      { r.refs.Add(-1) }
func (r *MemoryRegion) Refs() int32 { return r.refs.Load() }

// SetDirty marks [offset, offset+size) dirty.
func (r *MemoryRegion) SetDirty(offset, size uint64) {
	if size == 0 {
		return
	}
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	if r.dirty == nil {
		r.dirty = make(map[uint64]struct{})
	}
	for page := offset &^ (r.pageSize - 1); page < offset+size; page += r.pageSize {
		r.dirty[page] = struct{}{}
	}
}

// TakeDirty returns the sorted offsets of the dirty pages and clears them.
func (r *MemoryRegion) TakeDirty() []uint64 {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	pages := make([]uint64, 0, len(r.dirty))
	for page := range r.dirty {
		pages = append(pages, page)
	}
	r.dirty = nil
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// MemorySection is the part of a region visible at a guest-physical range.
type MemorySection struct {
	Region             *MemoryRegion
	OffsetWithinRegion uint64
	GPA                uint64
	Size               uint64
}

func (s *MemorySection) String() string {
	return fmt.Sprintf("%s[%s] gpa=0x%x size=0x%x", s.Region.Name, s.Region.Kind, s.GPA, s.Size)
}

// MemoryListener observes topology changes. Callbacks of one update are
// bracketed by Begin and Commit and never run concurrently.
type MemoryListener interface {
	Begin()
	Commit()
	RegionAdd(s *MemorySection)
	RegionDel(s *MemorySection)
	LogSync(s *MemorySection)
}

// RAMBlockNotifier observes host memory allocated for guest RAM.
type RAMBlockNotifier interface {
	RAMBlockAdded(host uintptr, size, maxSize uint64)
}

// AddressSpace is the guest-physical memory map.
type AddressSpace struct {
	mu sync.Mutex

	arch     CpuArchitecture
	pageSize uint64

	regions   []*MemoryRegion
	sections  []*MemorySection
	listeners []MemoryListener
	notifiers []RAMBlockNotifier

	// nextMMIO is the next free address for AllocateMMIO.
	nextMMIO uint64
}

// NewAddressSpace creates an empty memory map. MMIO windows handed out by
// AllocateMMIO start at mmioBase.
func NewAddressSpace(arch CpuArchitecture, pageSize, mmioBase uint64) *AddressSpace {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("address_space: page size 0x%x is not a power of 2", pageSize))
	}
	return &AddressSpace{
		arch:     arch,
		pageSize: pageSize,
		nextMMIO: alignUp(mmioBase, pageSize),
	}
}

func (a *AddressSpace) Architecture() CpuArchitecture { return a.arch }
func (a *AddressSpace) PageSize() uint64              { return a.pageSize }

// PageMask returns the mask selecting the page-aligned part of an address.
func (a *AddressSpace) PageMask() uint64 { return ^(a.pageSize - 1) }

// NewRAM creates a RAM or ROM region backed by host and notifies the RAM
// block notifiers. size may be smaller than the backing.
func (a *AddressSpace) NewRAM(name string, kind RegionKind, host []byte, size uint64) (*MemoryRegion, error) {
	if kind == RegionIO {
		return nil, fmt.Errorf("address_space: region %s: RAM region cannot be of kind io", name)
	}
	if size == 0 || size > uint64(len(host)) {
		return nil, fmt.Errorf("address_space: region %s: size 0x%x does not fit backing of 0x%x bytes", name, size, len(host))
	}
	r := &MemoryRegion{Name: name, Kind: kind, Size: size, host: host, pageSize: a.pageSize}

	a.mu.Lock()
	a.regions = append(a.regions, r)
	notifiers := append([]RAMBlockNotifier(nil), a.notifiers...)
	a.mu.Unlock()

	for _, n := range notifiers {
		n.RAMBlockAdded(r.HostAddr(), size, uint64(len(host)))
	}
	return r, nil
}

// NewIO creates a region dispatched to devices.
func (a *AddressSpace) NewIO(name string, size uint64) *MemoryRegion {
	return &MemoryRegion{Name: name, Kind: RegionIO, Size: size, pageSize: a.pageSize}
}

// AllocateMMIO reserves a guest-physical window for an I/O region.
func (a *AddressSpace) AllocateMMIO(size, alignment uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return 0, fmt.Errorf("address_space: cannot allocate zero-size region")
	}
	if alignment == 0 {
		alignment = a.pageSize
	}
	if alignment&(alignment-1) != 0 {
		return 0, fmt.Errorf("address_space: alignment 0x%x is not a power of 2", alignment)
	}
	base := alignUp(a.nextMMIO, alignment)
	a.nextMMIO = base + alignUp(size, alignment)
	return base, nil
}

// AddListener registers l and replays the current topology to it.
func (a *AddressSpace) AddListener(l MemoryListener) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.listeners = append(a.listeners, l)
	l.Begin()
	for _, s := range a.sections {
		l.RegionAdd(s)
	}
	l.Commit()
}

// AddRAMBlockNotifier registers n and replays existing RAM blocks to it.
func (a *AddressSpace) AddRAMBlockNotifier(n RAMBlockNotifier) {
	a.mu.Lock()
	a.notifiers = append(a.notifiers, n)
	regions := append([]*MemoryRegion(nil), a.regions...)
	a.mu.Unlock()

	for _, r := range regions {
		n.RAMBlockAdded(r.HostAddr(), r.Size, uint64(len(r.host)))
	}
}

// Map makes size bytes of r starting at offset visible at gpa.
func (a *AddressSpace) Map(r *MemoryRegion, gpa, offset, size uint64) (*MemorySection, error) {
	if size == 0 {
		return nil, fmt.Errorf("address_space: cannot map zero-size section of %s", r.Name)
	}
	if offset+size > r.Size || offset+size < offset {
		return nil, fmt.Errorf("address_space: section [0x%x-0x%x) outside region %s of size 0x%x",
			offset, offset+size, r.Name, r.Size)
	}
	if gpa+size < gpa {
		return nil, fmt.Errorf("address_space: section of %s at 0x%x with size 0x%x overflows", r.Name, gpa, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.sections {
		if rangesOverlap(gpa, size, s.GPA, s.Size) {
			return nil, fmt.Errorf("address_space: %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				r.Name, gpa, gpa+size, s.Region.Name, s.GPA, s.GPA+s.Size)
		}
	}

	s := &MemorySection{Region: r, OffsetWithinRegion: offset, GPA: gpa, Size: size}
	a.sections = append(a.sections, s)
	sort.Slice(a.sections, func(i, j int) bool { return a.sections[i].GPA < a.sections[j].GPA })

	a.transaction(func(l MemoryListener) { l.RegionAdd(s) })
	return s, nil
}

// Unmap removes a section previously returned by Map.
func (a *AddressSpace) Unmap(s *MemorySection) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, existing := range a.sections {
		if existing == s {
			a.sections = append(a.sections[:i], a.sections[i+1:]...)
			a.transaction(func(l MemoryListener) { l.RegionDel(s) })
			return nil
		}
	}
	return fmt.Errorf("address_space: section %s is not mapped", s)
}

// SyncDirtyLog asks every listener to flush dirty state for RAM sections.
func (a *AddressSpace) SyncDirtyLog() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.transaction(func(l MemoryListener) {
		for _, s := range a.sections {
			if s.Region.IsRAM() {
				l.LogSync(s)
			}
		}
	})
}

// transaction runs fn for every listener inside Begin/Commit. a.mu is held.
func (a *AddressSpace) transaction(fn func(l MemoryListener)) {
	for _, l := range a.listeners {
		l.Begin()
		fn(l)
		l.Commit()
	}
}

// Lookup returns the section containing gpa.
func (a *AddressSpace) Lookup(gpa uint64) (*MemorySection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.sections), func(i int) bool {
		return a.sections[i].GPA+a.sections[i].Size > gpa
	})
	if i < len(a.sections) && a.sections[i].GPA <= gpa {
		return a.sections[i], true
	}
	return nil, false
}

// Sections returns a copy of the current topology ordered by address.
func (a *AddressSpace) Sections() []*MemorySection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*MemorySection(nil), a.sections...)
}

// ReadAt reads guest RAM. It fails on I/O regions and holes.
func (a *AddressSpace) ReadAt(p []byte, gpa int64) (int, error) {
	return a.access(p, uint64(gpa), false)
}

// WriteAt writes guest RAM and marks the pages dirty. Writes to ROM are
// accepted and ignored.
func (a *AddressSpace) WriteAt(p []byte, gpa int64) (int, error) {
	return a.access(p, uint64(gpa), true)
}

func (a *AddressSpace) access(p []byte, gpa uint64, write bool) (int, error) {
	done := 0
	for done < len(p) {
		s, ok := a.Lookup(gpa + uint64(done))
		if !ok || !s.Region.IsRAM() {
			return done, fmt.Errorf("address_space: no RAM at 0x%x", gpa+uint64(done))
		}
		off := gpa + uint64(done) - s.GPA
		n := len(p) - done
		if rem := s.Size - off; uint64(n) > rem {
			n = int(rem)
		}
		host := s.Region.host[s.OffsetWithinRegion+off : s.OffsetWithinRegion+off+uint64(n)]
		if write {
			if !s.Region.IsROM() {
				copy(host, p[done:done+n])
				s.Region.SetDirty(s.OffsetWithinRegion+off, uint64(n))
			}
		} else {
			copy(p[done:done+n], host)
		}
		done += n
	}
	return done, nil
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	return baseA < baseB+sizeB && baseB < baseA+sizeA
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
