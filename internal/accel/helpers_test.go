package accel

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/nvmm/nvmmtest"
)

// testPlane is a control plane with a single global lock that records
// everything the accelerator asks of it.
type testPlane struct {
	sync.Mutex

	tpr      uint8
	apicBase uint64
	vectors  []int

	resets   []hv.ShutdownCause
	panics   []hv.CrashInfo
	errs     []error
	blockers []error

	failBlocker error

	ioPorts  []uint16
	memGPAs  []uint64
	accessor []*hv.CPU
	inits    int
	sipis    int
	polls    int
	tprAcces []hv.TPRAccess

	// onInit runs from CPUInit; it can change the halted state the way a
	// real platform would.
	onInit func(cpu *hv.CPU)
}

func (p *testPlane) RunOnCPU(cpu *hv.CPU, fn func(cpu *hv.CPU)) { fn(cpu) }

func (p *testPlane) GuestPanicked(_ *hv.CPU, info hv.CrashInfo) { p.panics = append(p.panics, info) }
func (p *testPlane) SystemResetRequest(cause hv.ShutdownCause)  { p.resets = append(p.resets, cause) }
func (p *testPlane) ReportError(err error)                      { p.errs = append(p.errs, err) }

func (p *testPlane) AddMigrationBlocker(reason error) error {
	if p.failBlocker != nil {
		return p.failBlocker
	}
	p.blockers = append(p.blockers, reason)
	return nil
}

func (p *testPlane) PhysicalMemoryRW(cpu *hv.CPU, gpa uint64, data []byte, write bool) {
	p.memGPAs = append(p.memGPAs, gpa)
	p.accessor = append(p.accessor, cpu)
}

func (p *testPlane) IOPortRW(cpu *hv.CPU, port uint16, data []byte, write bool) error {
	p.ioPorts = append(p.ioPorts, port)
	p.accessor = append(p.accessor, cpu)
	if !write {
		for i := range data {
			data[i] = 0xAB
		}
	}
	return nil
}

func (p *testPlane) APICTPR(*hv.CPU) uint8              { return p.tpr }
func (p *testPlane) SetAPICTPR(_ *hv.CPU, tpr uint8)    { p.tpr = tpr }
func (p *testPlane) APICBase(*hv.CPU) uint64            { return p.apicBase }
func (p *testPlane) SetAPICBase(_ *hv.CPU, base uint64) { p.apicBase = base }
func (p *testPlane) APICPoll(*hv.CPU)                   { p.polls++ }
func (p *testPlane) CPUSIPI(*hv.CPU)                    { p.sipis++ }
func (p *testPlane) TPRAccessReport(_ *hv.CPU, _ uint64, a hv.TPRAccess) {
	p.tprAcces = append(p.tprAcces, a)
}

func (p *testPlane) CPUInit(cpu *hv.CPU) {
	p.inits++
	if p.onInit != nil {
		p.onInit(cpu)
	}
}

func (p *testPlane) PICInterrupt(*hv.CPU) int {
	if len(p.vectors) == 0 {
		return -1
	}
	vec := p.vectors[0]
	p.vectors = p.vectors[1:]
	return vec
}

var (
	_ hv.ControlPlane = &testPlane{}
	_ hv.X86Platform  = &testPlane{}
)

// testKicker stands in for thread signals: a kick interrupts the fake
// hypervisor's Run.
type testKicker struct {
	kernel *nvmmtest.Kernel
	vcpu   uint32
	kicks  atomic.Int64
}

func (k *testKicker) CurrentThread() int { return 42 }

func (k *testKicker) KickThread(tid int) error {
	k.kicks.Add(1)
	if k.kernel != nil {
		k.kernel.Interrupt(k.vcpu)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testPageSize = 0x1000

type fixture struct {
	kernel *nvmmtest.Kernel
	plane  *testPlane
	kicker *testKicker
	m      *Machine
	cpu    *hv.CPU
	v      *VCPU
}

// newFixture builds a machine with one VCPU. stop selects a hypervisor
// with the Stop primitive.
func newFixture(t *testing.T, arch hv.CpuArchitecture, stop bool) *fixture {
	t.Helper()

	var k *nvmmtest.Kernel
	if arch == hv.ArchitectureX86_64 {
		k = nvmmtest.NewX86()
	} else {
		k = nvmmtest.NewAArch64()
	}
	var kernel nvmm.Kernel = k
	if stop {
		kernel = k.WithStop()
	}

	plane := &testPlane{}
	kicker := &testKicker{kernel: k}
	m, err := New(kernel, plane, Config{
		Arch:     arch,
		PageSize: testPageSize,
		Logger:   discardLogger(),
		Kicker:   kicker,
	})
	require.NoError(t, err)

	cpu := hv.NewCPU(0, arch)
	v, err := m.CreateVCPU(cpu)
	require.NoError(t, err)

	t.Cleanup(func() {
		if cpu.Accel != nil {
			require.NoError(t, v.Destroy())
		}
		require.NoError(t, m.Close())
	})

	return &fixture{kernel: k, plane: plane, kicker: kicker, m: m, cpu: cpu, v: v}
}

// exec runs one Exec with the control plane lock held.
func (f *fixture) exec() (Outcome, error) {
	f.plane.Lock()
	defer f.plane.Unlock()
	return f.v.Exec()
}

func (f *fixture) fake() *nvmmtest.VCPU {
	return f.kernel.VCPU(uint32(f.cpu.Index))
}

func exitWith(reason nvmm.ExitReason) nvmm.Exit {
	return nvmm.Exit{Reason: reason}
}
