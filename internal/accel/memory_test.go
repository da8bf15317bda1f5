package accel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/nvmm/nvmmtest"
)

func TestAlignSectionGrid(t *testing.T) {
	const p = testPageSize

	for _, start := range []uint64{0, p - 1, p, p + 1} {
		for _, size := range []uint64{0, 1, p - 1, p, p + 1, 2*p + 1} {
			t.Run(fmt.Sprintf("start=%#x/size=%#x", start, size), func(t *testing.T) {
				gotStart, gotSize, delta, ok := alignSection(start, size, p)

				// reference: the largest page-aligned range inside the input
				first := (start + p - 1) &^ (p - 1)
				end := (start + size) &^ (p - 1)
				if end <= first || start+size < first {
					assert.False(t, ok)
					return
				}
				require.True(t, ok)
				assert.Equal(t, first, gotStart)
				assert.Equal(t, end-first, gotSize)
				assert.Equal(t, first-start, delta)
				assert.Zero(t, gotStart%p)
				assert.Zero(t, gotSize%p)
				assert.LessOrEqual(t, gotStart+gotSize, start+size)
			})
		}
	}
}

func newMemoryFixture(t *testing.T) (*nvmmtest.Kernel, *Machine, *hv.AddressSpace) {
	t.Helper()

	k := nvmmtest.NewX86()
	m, err := New(k, &testPlane{}, Config{
		Arch:     hv.ArchitectureX86_64,
		PageSize: testPageSize,
		Logger:   discardLogger(),
		Kicker:   &testKicker{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	as := hv.NewAddressSpace(hv.ArchitectureX86_64, testPageSize, 0xE000_0000)
	require.NoError(t, m.AttachMemory(as))
	return k, m, as
}

func TestRegionAddRemove(t *testing.T) {
	k, _, as := newMemoryFixture(t)

	host := make([]byte, 3*testPageSize)
	ram, err := as.NewRAM("ram", hv.RegionRAM, host, uint64(len(host)))
	require.NoError(t, err)

	windows := k.Windows()
	require.Len(t, windows, 1)
	assert.Equal(t, ram.HostAddr(), windows[0].HVA)
	assert.Equal(t, uint64(len(host)), windows[0].Size)

	s, err := as.Map(ram, 0x1000, 0, 3*testPageSize)
	require.NoError(t, err)

	maps := k.Maps()
	require.Len(t, maps, 1)
	assert.Equal(t, nvmmtest.Mapping{
		HVA:  ram.HostAddr(),
		GPA:  0x1000,
		Size: 0x3000,
		Prot: nvmm.ProtRead | nvmm.ProtWrite | nvmm.ProtExec,
	}, maps[0])
	assert.Equal(t, int32(1), ram.Refs())

	require.NoError(t, as.Unmap(s))
	unmaps := k.Unmaps()
	require.Len(t, unmaps, 1)
	assert.Equal(t, maps[0].HVA, unmaps[0].HVA)
	assert.Equal(t, maps[0].GPA, unmaps[0].GPA)
	assert.Equal(t, maps[0].Size, unmaps[0].Size)
	assert.Equal(t, int32(0), ram.Refs())
}

func TestRegionAddMisaligned(t *testing.T) {
	k, _, as := newMemoryFixture(t)

	host := make([]byte, 2*testPageSize)
	ram, err := as.NewRAM("ram", hv.RegionRAM, host, uint64(len(host)))
	require.NoError(t, err)

	// starts 10 bytes below a page boundary; only the page after it is
	// wholly covered
	s, err := as.Map(ram, testPageSize-10, 0, testPageSize+10)
	require.NoError(t, err)

	maps := k.Maps()
	require.Len(t, maps, 1)
	assert.Equal(t, uint64(testPageSize), maps[0].GPA)
	assert.Equal(t, uint64(testPageSize), maps[0].Size)
	assert.Equal(t, ram.HostAddr()+10, maps[0].HVA)

	require.NoError(t, as.Unmap(s))
	require.Len(t, k.Unmaps(), 1)
	assert.Equal(t, maps[0].GPA, k.Unmaps()[0].GPA)
}

func TestRegionAddTooSmall(t *testing.T) {
	k, _, as := newMemoryFixture(t)

	host := make([]byte, 2*testPageSize)
	ram, err := as.NewRAM("ram", hv.RegionRAM, host, uint64(len(host)))
	require.NoError(t, err)

	_, err = as.Map(ram, testPageSize+10, 0, testPageSize+10)
	require.NoError(t, err)
	assert.Empty(t, k.Maps())
}

func TestRegionAddROMAndIO(t *testing.T) {
	k, _, as := newMemoryFixture(t)

	host := make([]byte, testPageSize)
	rom, err := as.NewRAM("bios", hv.RegionROM, host, testPageSize)
	require.NoError(t, err)
	_, err = as.Map(rom, 0xF0000, 0, testPageSize)
	require.NoError(t, err)

	io := as.NewIO("uart", testPageSize)
	_, err = as.Map(io, 0x10000, 0, testPageSize)
	require.NoError(t, err)

	maps := k.Maps()
	require.Len(t, maps, 1)
	assert.Equal(t, nvmm.ProtRead|nvmm.ProtExec, maps[0].Prot)
	assert.Equal(t, uint64(0xF0000), maps[0].GPA)
}

func TestRegionAddFailureIsLogged(t *testing.T) {
	k, _, as := newMemoryFixture(t)
	k.FailMapGPA = nvmmtest.ErrInjected

	host := make([]byte, testPageSize)
	ram, err := as.NewRAM("ram", hv.RegionRAM, host, testPageSize)
	require.NoError(t, err)

	// the memory model keeps going
	_, err = as.Map(ram, 0, 0, testPageSize)
	require.NoError(t, err)
	assert.Empty(t, k.Maps())
}

func TestAttachReplaysExistingMemory(t *testing.T) {
	k := nvmmtest.NewX86()
	m, err := New(k, &testPlane{}, Config{
		Arch:     hv.ArchitectureX86_64,
		PageSize: testPageSize,
		Logger:   discardLogger(),
		Kicker:   &testKicker{},
	})
	require.NoError(t, err)
	defer m.Close()

	as := hv.NewAddressSpace(hv.ArchitectureX86_64, testPageSize, 0xE000_0000)
	host := make([]byte, 4*testPageSize)
	ram, err := as.NewRAM("ram", hv.RegionRAM, host, uint64(len(host)))
	require.NoError(t, err)
	_, err = as.Map(ram, 0, 0, uint64(len(host)))
	require.NoError(t, err)

	require.NoError(t, m.AttachMemory(as))
	require.Len(t, k.Windows(), 1)
	require.Len(t, k.Maps(), 1)
	assert.Equal(t, uint64(len(host)), k.Maps()[0].Size)
}

func TestAttachRejectsPageSize(t *testing.T) {
	_, m, _ := newMemoryFixture(t)
	as := hv.NewAddressSpace(hv.ArchitectureX86_64, 0x4000, 0xE000_0000)
	require.Error(t, m.AttachMemory(as))
}

func TestLogSyncMarksSectionDirty(t *testing.T) {
	_, _, as := newMemoryFixture(t)

	host := make([]byte, 8*testPageSize)
	ram, err := as.NewRAM("ram", hv.RegionRAM, host, uint64(len(host)))
	require.NoError(t, err)
	_, err = as.Map(ram, 0, testPageSize, testPageSize)
	require.NoError(t, err)
	_, err = as.Map(ram, 0x10000, 5*testPageSize, 2*testPageSize)
	require.NoError(t, err)

	as.SyncDirtyLog()
	assert.Equal(t, []uint64{0x1000, 0x5000, 0x6000}, ram.TakeDirty())
	assert.Empty(t, ram.TakeDirty())
}
