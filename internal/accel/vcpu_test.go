package accel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/nvmm/nvmmtest"
)

func newTestMachine(t *testing.T, k *nvmmtest.Kernel, plane *testPlane) *Machine {
	t.Helper()
	m, err := New(k, plane, Config{
		Arch:     hv.ArchitectureX86_64,
		PageSize: testPageSize,
		Logger:   discardLogger(),
		Kicker:   &testKicker{kernel: k},
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewRejectsOldHypervisor(t *testing.T) {
	k := nvmmtest.NewX86()
	k.Cap.Version = nvmm.KernVersion - 1

	_, err := New(k, &testPlane{}, Config{Arch: hv.ArchitectureX86_64, Logger: discardLogger()})
	assert.ErrorIs(t, err, nvmm.ErrUnsupportedVersion)
	assert.Zero(t, k.Machines())
}

func TestNewRejectsStateSize(t *testing.T) {
	k := nvmmtest.NewX86()
	k.Cap.StateSize = nvmm.X64StateSize + 8

	_, err := New(k, &testPlane{}, Config{Arch: hv.ArchitectureX86_64, Logger: discardLogger()})
	assert.ErrorIs(t, err, nvmm.ErrStateSizeMismatch)

	// an AArch64 machine on an x86 hypervisor fails the same way
	_, err = New(nvmmtest.NewX86(), &testPlane{}, Config{Arch: hv.ArchitectureARM64, Logger: discardLogger()})
	assert.ErrorIs(t, err, nvmm.ErrStateSizeMismatch)
}

func TestNewRejectsUnknownArchitecture(t *testing.T) {
	_, err := New(nvmmtest.NewX86(), &testPlane{}, Config{Arch: hv.ArchitectureInvalid})
	assert.Error(t, err)
}

func TestNewCreateMachineFailure(t *testing.T) {
	k := nvmmtest.NewX86()
	k.FailCreateMachine = nvmmtest.ErrInjected

	_, err := New(k, &testPlane{}, Config{Arch: hv.ArchitectureX86_64, Logger: discardLogger()})
	assert.ErrorIs(t, err, nvmmtest.ErrInjected)
}

func TestNewDetectsStop(t *testing.T) {
	k := nvmmtest.NewX86()
	m, err := New(k, &testPlane{}, Config{Arch: hv.ArchitectureX86_64, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Nil(t, m.stopper)
	require.NoError(t, m.Close())

	m, err = New(k.WithStop(), &testPlane{}, Config{Arch: hv.ArchitectureX86_64, Logger: discardLogger()})
	require.NoError(t, err)
	assert.NotNil(t, m.stopper)
	require.NoError(t, m.Close())
	assert.Zero(t, k.Machines())
}

func TestCreateDestroyVCPU(t *testing.T) {
	k := nvmmtest.NewX86()
	plane := &testPlane{}
	m := newTestMachine(t, k, plane)

	cpus := make([]*hv.CPU, 3)
	vcpus := make([]*VCPU, 3)
	for i := range cpus {
		cpus[i] = hv.NewCPU(i, hv.ArchitectureX86_64)
		v, err := m.CreateVCPU(cpus[i])
		require.NoError(t, err)
		assert.Same(t, v, cpus[i].Accel)
		assert.Same(t, cpus[i], v.CPU())
		assert.True(t, v.Dirty())
		vcpus[i] = v
	}

	// one blocker for the whole machine
	require.Len(t, plane.blockers, 1)
	assert.ErrorIs(t, plane.blockers[0], hv.ErrMigrationBlocked)
	assert.Contains(t, plane.blockers[0].Error(), "NVMM: Migration not supported")

	for i, v := range vcpus {
		require.NoError(t, v.Destroy())
		assert.Nil(t, cpus[i].Accel)
		assert.True(t, k.VCPU(uint32(i)).Destroyed())
	}
	assert.Nil(t, m.threads.lookup(42))
}

func TestCreateVCPUArchitectureMismatch(t *testing.T) {
	m := newTestMachine(t, nvmmtest.NewX86(), &testPlane{})
	_, err := m.CreateVCPU(hv.NewCPU(0, hv.ArchitectureARM64))
	assert.Error(t, err)
}

func TestCreateVCPUBlockerFailure(t *testing.T) {
	k := nvmmtest.NewX86()
	plane := &testPlane{failBlocker: errors.New("migration in progress")}
	m := newTestMachine(t, k, plane)

	cpu := hv.NewCPU(0, hv.ArchitectureX86_64)
	_, err := m.CreateVCPU(cpu)
	require.Error(t, err)
	assert.Nil(t, cpu.Accel)
	assert.Nil(t, k.VCPU(0))

	// the next attempt installs it
	plane.failBlocker = nil
	v, err := m.CreateVCPU(cpu)
	require.NoError(t, err)
	require.Len(t, plane.blockers, 1)
	require.NoError(t, v.Destroy())
}

func TestCreateVCPUKernelFailure(t *testing.T) {
	k := nvmmtest.NewX86()
	k.FailCreateVCPU = nvmmtest.ErrInjected
	m := newTestMachine(t, k, &testPlane{})

	cpu := hv.NewCPU(0, hv.ArchitectureX86_64)
	_, err := m.CreateVCPU(cpu)
	assert.ErrorIs(t, err, nvmmtest.ErrInjected)
	assert.Nil(t, cpu.Accel)
}

func TestCreateVCPUConfigureFailureDestroys(t *testing.T) {
	for _, op := range []nvmm.ConfOp{nvmm.ConfCallbacks, nvmm.ConfCPUID, nvmm.ConfTPR} {
		t.Run(fmtConfOp(op), func(t *testing.T) {
			k := nvmmtest.NewX86()
			k.FailConfigure[op] = nvmmtest.ErrInjected
			m := newTestMachine(t, k, &testPlane{})

			cpu := hv.NewCPU(0, hv.ArchitectureX86_64)
			_, err := m.CreateVCPU(cpu)
			assert.ErrorIs(t, err, nvmmtest.ErrInjected)
			assert.Nil(t, cpu.Accel)
			assert.True(t, k.VCPU(0).Destroyed())
			assert.Nil(t, m.threads.lookup(42))
		})
	}
}

func TestCreateVCPUARM64IdentityFailure(t *testing.T) {
	k := nvmmtest.NewAArch64()
	k.FailSetState = nvmmtest.ErrInjected
	m, err := New(k, &testPlane{}, Config{
		Arch:     hv.ArchitectureARM64,
		PageSize: testPageSize,
		Logger:   discardLogger(),
		Kicker:   &testKicker{},
	})
	require.NoError(t, err)
	defer m.Close()

	cpu := hv.NewCPU(0, hv.ArchitectureARM64)
	_, err = m.CreateVCPU(cpu)
	assert.ErrorIs(t, err, nvmmtest.ErrInjected)
	assert.True(t, k.VCPU(0).Destroyed())
}

func TestSynchronizeStatePullsOnce(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.v.pushNow()
	f.kernel.ResetCalls()

	f.plane.Lock()
	f.v.SynchronizeState()
	f.v.SynchronizeState()
	f.plane.Unlock()

	var gets int
	for _, c := range f.kernel.StateCalls() {
		if !c.Set {
			gets++
		}
	}
	assert.Equal(t, 1, gets)
	assert.True(t, f.v.Dirty())
}

func TestSynchronizeStateKeepsLocalEdits(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.cpu.X86.RIP = 0x1234

	// the register file is already authoritative; nothing is fetched
	f.plane.Lock()
	f.v.SynchronizeState()
	f.plane.Unlock()
	assert.Equal(t, uint64(0x1234), f.cpu.X86.RIP)
	assert.Empty(t, f.kernel.StateCalls())

	f.v.SynchronizePostInit()
	assert.Equal(t, uint64(0x1234), f.v.hv.X64State().GPRs[nvmm.X64GPRRIP])
}

func fmtConfOp(op nvmm.ConfOp) string {
	switch op {
	case nvmm.ConfCallbacks:
		return "callbacks"
	case nvmm.ConfCPUID:
		return "cpuid"
	case nvmm.ConfTPR:
		return "tpr"
	}
	return "unknown"
}
