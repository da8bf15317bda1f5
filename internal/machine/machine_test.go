package machine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/nvmm/nvmmtest"
)

const testPageSize = 0x1000

// testKicker hands out one thread id per VCPU, in creation order, and
// turns kicks into interrupted runs of the fake hypervisor.
type testKicker struct {
	kernel *nvmmtest.Kernel
	next   atomic.Int64
}

func (k *testKicker) CurrentThread() int { return int(k.next.Add(1) - 1) }

func (k *testKicker) KickThread(tid int) error {
	k.kernel.Interrupt(uint32(tid))
	return nil
}

// step is one exit of the boot CPU. setup prepares the hypervisor state
// the assist will see.
type step struct {
	exit  nvmm.Exit
	setup func(h *nvmm.VCPU)
}

// program feeds steps to the boot CPU one run at a time, so register
// values line up with the exits that consume them.
type program struct {
	mu    sync.Mutex
	steps []step
}

func (p *program) add(steps ...step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

func (p *program) attach(k *nvmmtest.Kernel) {
	k.OnRun = func(v *nvmmtest.VCPU) {
		if v.Handle.ID != 0 {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.steps) == 0 {
			return
		}
		s := p.steps[0]
		p.steps = p.steps[1:]
		if s.setup != nil {
			s.setup(v.Handle)
		}
		k.Script(0, s.exit)
	}
}

func outb(port uint16, value uint64) step {
	e := nvmm.Exit{Reason: nvmm.ExitIO}
	pio := e.IO()
	pio.Port = port
	pio.OperandSize = 1
	pio.NPC = 0x7C02
	return step{
		exit: e,
		setup: func(h *nvmm.VCPU) {
			h.X64State().GPRs[nvmm.X64GPRRAX] = value
		},
	}
}

func exitWith(reason nvmm.ExitReason) step {
	return step{exit: nvmm.Exit{Reason: reason}}
}

func mmioWrite(gpa uint64) step {
	e := nvmm.Exit{Reason: nvmm.ExitMemory}
	mem := e.Memory()
	mem.GPA = gpa
	mem.Prot = nvmm.ProtWrite
	return step{exit: e}
}

type harness struct {
	kernel  *nvmmtest.Kernel
	prog    *program
	console *syncBuffer
	m       *Machine
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newHarness builds a machine on the fake hypervisor. stop selects a
// hypervisor with the Stop primitive.
func newHarness(t *testing.T, cfg Config, stop bool) *harness {
	t.Helper()

	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 2
	}
	require.NoError(t, cfg.Normalize())

	var k *nvmmtest.Kernel
	if cfg.Architecture() == hv.ArchitectureARM64 {
		k = nvmmtest.NewAArch64()
	} else {
		k = nvmmtest.NewX86()
	}
	var kernel nvmm.Kernel = k
	if stop {
		kernel = k.WithStop()
	}

	h := &harness{kernel: k, prog: &program{}, console: &syncBuffer{}}
	h.prog.attach(k)

	m, err := New(cfg, Options{
		Kernel:   kernel,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Console:  h.console,
		Kicker:   &testKicker{kernel: k},
		PageSize: testPageSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	h.m = m
	return h
}

func (h *harness) run(t *testing.T) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.m.Run(ctx)
}

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestConsoleAndPowerOff(t *testing.T) {
	image := []byte{0xB0, 'h', 0xE6, 0xE9, 0xF4}
	h := newHarness(t, Config{
		Arch: string(hv.ArchitectureX86_64),
		Boot: BootConfig{Image: writeImage(t, image)},
	}, false)

	got := make([]byte, len(image))
	require.NoError(t, h.m.ReadGuest(got, x86DefaultLoad))
	assert.Equal(t, image, got)

	h.prog.add(
		outb(sysPortConsole, 'h'),
		outb(sysPortConsole, 'i'),
		outb(sysPortExit, 3),
	)

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, hv.ShutdownCauseGuestShutdown, res.Cause)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hi", h.console.String())
	assert.Len(t, h.m.MigrationBlockers(), 1)
}

func TestBootState(t *testing.T) {
	h := newHarness(t, Config{
		Arch: string(hv.ArchitectureX86_64),
		CPUs: 2,
		Boot: BootConfig{LoadAddress: 0x10000, Entry: 0x12345},
	}, false)

	bsp, ap := h.m.CPUs()[0], h.m.CPUs()[1]
	assert.Equal(t, uint64(0x10000), bsp.X86.Segs[hv.SegCS].Base)
	assert.Equal(t, uint16(0x1000), bsp.X86.Segs[hv.SegCS].Selector)
	assert.Equal(t, uint64(0x2345), bsp.X86.RIP)
	assert.False(t, bsp.Halted())
	assert.True(t, ap.Halted())

	assert.Equal(t, uint64(apicBaseDefault|apicBaseEnable|apicBaseBSP), h.m.APICBase(bsp))
	assert.Equal(t, uint64(apicBaseDefault|apicBaseEnable), h.m.APICBase(ap))
}

func TestGuestCrash(t *testing.T) {
	h := newHarness(t, Config{Arch: string(hv.ArchitectureX86_64)}, false)
	h.prog.add(exitWith(nvmm.ExitInvalid))

	res, err := h.run(t)
	require.ErrorIs(t, err, hv.ErrGuestCrashed)
	require.NotNil(t, res.Crash)
	assert.Equal(t, 0, res.Crash.CPU)
	assert.NotEmpty(t, res.Crash.Dump)
}

func TestResetPolicyExit(t *testing.T) {
	h := newHarness(t, Config{Arch: string(hv.ArchitectureX86_64)}, false)
	h.prog.add(outb(sysPortReset, 0x06))

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, hv.ShutdownCauseGuestReset, res.Cause)
	assert.Zero(t, res.Reboots)
}

func TestResetPolicyReboot(t *testing.T) {
	h := newHarness(t, Config{
		Arch: string(hv.ArchitectureX86_64),
		Boot: BootConfig{OnReset: OnResetReboot},
	}, false)
	h.prog.add(outb(sysPortReset, 0x06))

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = h.run(t)
	}()

	// INIT makes the CPU pull its state before resetting it
	require.Eventually(t, func() bool {
		for _, c := range h.kernel.StateCalls() {
			if !c.Set && c.VCPU == 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	h.prog.add(outb(sysPortExit, 0))
	h.kernel.Interrupt(0)
	<-done

	require.NoError(t, err)
	assert.Equal(t, hv.ShutdownCauseGuestShutdown, res.Cause)
	assert.Equal(t, 1, res.Reboots)
}

func TestTimerInterruptWakesHaltedCPU(t *testing.T) {
	h := newHarness(t, Config{
		Arch:    string(hv.ArchitectureX86_64),
		TimerHz: 200,
	}, false)

	halt := exitWith(nvmm.ExitHalted)
	halt.exit.X64ExitState().RFLAGS = hv.RFLAGSIF | 0x2
	h.prog.add(halt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Run(ctx)
		done <- err
	}()

	// the timer is on IRQ 0, delivered through the PIC's power-on base
	require.Eventually(t, func() bool {
		for _, ev := range h.kernel.VCPU(0).Injected() {
			if ev.Type == nvmm.EventInterrupt && ev.Vector == picPrimaryBase {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStartSecondaryCPU(t *testing.T) {
	h := newHarness(t, Config{
		Arch: string(hv.ArchitectureX86_64),
		CPUs: 2,
	}, false)
	h.prog.add(
		outb(sysPortSIPI, 0x10),
		outb(sysPortStartCPU, 1),
	)

	done := make(chan struct{})
	var res Result
	go func() {
		defer close(done)
		res, _ = h.run(t)
	}()

	ap := h.m.CPUs()[1]
	require.Eventually(t, func() bool {
		h.m.Lock()
		defer h.m.Unlock()
		return !ap.Halted() && ap.X86.Segs[hv.SegCS].Base == 0x10000
	}, 5*time.Second, time.Millisecond)

	h.prog.add(outb(sysPortExit, 7))
	h.kernel.Interrupt(0)
	<-done
	assert.Equal(t, 7, res.ExitCode)
}

func TestCancelStopsRunningCPU(t *testing.T) {
	h := newHarness(t, Config{Arch: string(hv.ArchitectureX86_64)}, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Run(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.kernel.VCPU(0).Runs() > 0 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestBootTimeout(t *testing.T) {
	h := newHarness(t, Config{
		Arch: string(hv.ArchitectureX86_64),
		Boot: BootConfig{Timeout: "20ms"},
	}, true)

	_, err := h.run(t)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.m.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestARM64PowerOffThroughMMIO(t *testing.T) {
	h := newHarness(t, Config{Arch: string(hv.ArchitectureARM64), CPUs: 2}, false)

	bsp, ap := h.m.CPUs()[0], h.m.CPUs()[1]
	assert.Equal(t, uint64(arm64DefaultLoad), bsp.ARM64.PC)
	assert.Equal(t, uint64(arm64MPIDRRES1|1), ap.ARM64.MPIDR)
	assert.True(t, ap.Halted())

	h.prog.add(mmioWrite(arm64SysDeviceBase + sysRegExit))

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, hv.ShutdownCauseGuestShutdown, res.Cause)
	assert.Equal(t, 0, res.ExitCode)
}

func TestUnclaimedAccessesReadAllOnes(t *testing.T) {
	h := newHarness(t, Config{Arch: string(hv.ArchitectureX86_64)}, false)

	h.m.Lock()
	defer h.m.Unlock()

	buf := []byte{0, 0}
	require.NoError(t, h.m.IOPortRW(nil, 0x80, buf, false))
	assert.Equal(t, []byte{0xFF, 0xFF}, buf)

	buf = []byte{0, 0, 0, 0}
	h.m.PhysicalMemoryRW(nil, 0xFEC0_0000, buf, false)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)

	h.m.PhysicalMemoryRW(nil, 0x1000, []byte{1, 2, 3, 4}, true)
	h.m.PhysicalMemoryRW(nil, 0x1000, buf, false)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestSerialConsole(t *testing.T) {
	h := newHarness(t, Config{Arch: string(hv.ArchitectureX86_64)}, false)
	h.prog.add(
		outb(x86UARTBase, 'o'),
		outb(x86UARTBase, 'k'),
		outb(x86UARTBase, '\r'),
		outb(sysPortExit, 0),
	)

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, hv.ShutdownCauseGuestShutdown, res.Cause)
	assert.Equal(t, "ok\n", h.console.String())
}
