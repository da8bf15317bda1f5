// Package machine assembles a small virtual machine around the NVMM
// accelerator: guest RAM, an interrupt controller, a system device and one
// OS thread per virtual CPU. It is the control plane the accelerator runs
// against.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/nvmm/internal/accel"
	"github.com/tinyrange/nvmm/internal/chipset"
	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
)

var (
	ErrClosed         = errors.New("machine: closed")
	ErrAlreadyRunning = errors.New("machine: already running")
)

// Options connects a machine to the host.
type Options struct {
	Kernel nvmm.Kernel

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Console receives the guest's debug console and serial output.
	Console io.Writer

	// ConsoleInput, when set, feeds the serial port's receiver.
	ConsoleInput io.Reader

	// Kicker and PageSize are passed to the accelerator; zero values
	// select the host defaults.
	Kicker   accel.Kicker
	PageSize uint64
}

// Result describes how a run ended.
type Result struct {
	Cause    hv.ShutdownCause
	ExitCode int
	Reboots  int

	// Crash is set when the guest stopped in a state the accelerator could
	// not handle.
	Crash *hv.CrashInfo
}

// Machine implements hv.ControlPlane and, for x86 guests, hv.X86Platform.
type Machine struct {
	// mu is the global execution lock.
	mu sync.Mutex

	cfg  Config
	arch hv.CpuArchitecture
	log  *slog.Logger

	ram   []byte
	image []byte
	as    *hv.AddressSpace
	accel *accel.Machine

	chipset *chipset.Chipset
	lines   *chipset.LineSet
	pic     *PIC
	sysdev  *systemDevice
	uart    *uart

	cpus      []*hv.CPU
	threads   []*vcpuThread
	apic      []apicState
	sipiEntry []uint64
	blockers  []error

	start    chan struct{}
	stopped  chan struct{}
	resetReq chan struct{}
	bg       sync.WaitGroup
	running  atomic.Bool
	once     sync.Once
	closed   bool

	result  Result
	err     error
	reboots int
}

// New builds the machine described by cfg and creates its VCPUs. The guest
// does not run until Run is called.
func New(cfg Config, opts Options) (*Machine, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if opts.Kernel == nil {
		return nil, errors.New("machine: no hypervisor")
	}

	m := &Machine{
		cfg:      cfg,
		arch:     cfg.Architecture(),
		log:      opts.Logger,
		start:    make(chan struct{}),
		stopped:  make(chan struct{}),
		resetReq: make(chan struct{}, 1),
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	if cfg.Boot.Image != "" {
		image, err := os.ReadFile(cfg.Boot.Image)
		if err != nil {
			return nil, fmt.Errorf("machine: read boot image: %w", err)
		}
		if end := cfg.Boot.LoadAddress + uint64(len(image)); end > cfg.RAMBase()+cfg.RAMSize() {
			return nil, fmt.Errorf("machine: boot image of %d bytes at 0x%x does not fit in RAM", len(image), cfg.Boot.LoadAddress)
		}
		m.image = image
	}

	for i := 0; i < cfg.CPUs; i++ {
		m.cpus = append(m.cpus, hv.NewCPU(i, m.arch))
	}
	m.apic = make([]apicState, cfg.CPUs)
	m.sipiEntry = make([]uint64, cfg.CPUs)
	m.threads = make([]*vcpuThread, cfg.CPUs)

	var err error
	m.accel, err = accel.New(opts.Kernel, m, accel.Config{
		Arch:     m.arch,
		PageSize: opts.PageSize,
		Logger:   m.log,
		Kicker:   opts.Kicker,
	})
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	if err := m.setup(opts); err != nil {
		if cerr := m.Close(); cerr != nil {
			m.log.Error("machine: cleanup after failed setup", "error", cerr)
		}
		return nil, err
	}
	return m, nil
}

func (m *Machine) setup(opts Options) error {
	if err := m.setupMemory(); err != nil {
		return err
	}
	if err := m.setupChipset(opts.Console, opts.ConsoleInput); err != nil {
		return err
	}
	if err := m.loadImage(); err != nil {
		return err
	}
	for _, cpu := range m.cpus {
		m.resetCPU(cpu)
	}
	return m.startThreads()
}

func (m *Machine) setupMemory() error {
	mmioBase := uint64(x86MMIOBase)
	if m.arch == hv.ArchitectureARM64 {
		mmioBase = arm64MMIOBase
	}
	m.as = hv.NewAddressSpace(m.arch, m.accel.PageSize(), mmioBase)
	if err := m.accel.AttachMemory(m.as); err != nil {
		return fmt.Errorf("machine: %w", err)
	}

	size := m.cfg.RAMSize()
	if size%m.accel.PageSize() != 0 {
		return fmt.Errorf("machine: memory size 0x%x is not a multiple of the page size", size)
	}
	ram, err := allocateRAM(size)
	if err != nil {
		return fmt.Errorf("machine: allocate %d MiB of RAM: %w", m.cfg.MemoryMB, err)
	}
	m.ram = ram

	region, err := m.as.NewRAM("ram", hv.RegionRAM, ram, size)
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if _, err := m.as.Map(region, m.cfg.RAMBase(), 0, size); err != nil {
		return fmt.Errorf("machine: %w", err)
	}

	return nil
}

func (m *Machine) setupChipset(console io.Writer, input io.Reader) error {
	b := chipset.NewBuilder()

	var sink chipset.InterruptSink
	switch m.arch {
	case hv.ArchitectureX86_64:
		m.pic = NewPIC(m.picOutput)
		if err := b.Add("pic", m.pic); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
		sink = m.pic
	case hv.ArchitectureARM64:
		sink = armInterruptSink{m: m}
	}

	m.lines = chipset.NewLineSet(sink)
	if m.pic != nil {
		m.pic.OnEOI(m.lines.BroadcastEOI)
	}
	m.sysdev = newSystemDevice(m.arch, m, console, m.lines.AllocateLine(timerLine), m.cfg.TimerHz)
	if err := b.Add("sysdev", m.sysdev); err != nil {
		return fmt.Errorf("machine: %w", err)
	}

	// the AArch64 serial port is polled; its only IRQ input belongs to the timer
	var uartIRQ chipset.LineInterrupt
	if m.arch == hv.ArchitectureX86_64 {
		uartIRQ = m.lines.AllocateLine(x86UARTIRQ)
	}
	m.uart = newUART(m.arch, uartIRQ, console, input)
	if err := b.Add("uart", m.uart); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if m.arch == hv.ArchitectureX86_64 {
		m.lines.RegisterEOICallback(x86UARTIRQ, m.uart.resample)
	}

	cs := b.Build()
	if err := cs.Init(m); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	m.chipset = cs

	// claimed MMIO is mapped as I/O so that guest accesses to it exit
	for _, r := range cs.MMIORegions() {
		region := m.as.NewIO(r.Owner, r.Size)
		if _, err := m.as.Map(region, r.Address, 0, r.Size); err != nil {
			return fmt.Errorf("machine: map %s registers: %w", r.Owner, err)
		}
	}
	return nil
}

// loadImage copies the boot image into RAM.
func (m *Machine) loadImage() error {
	if len(m.image) == 0 {
		return nil
	}
	if _, err := m.as.WriteAt(m.image, int64(m.cfg.Boot.LoadAddress)); err != nil {
		return fmt.Errorf("machine: load boot image: %w", err)
	}
	return nil
}

// resetCPU puts cpu in its power-on state: the boot CPU at the entry point
// and the others halted until started by the guest.
func (m *Machine) resetCPU(cpu *hv.CPU) {
	switch m.arch {
	case hv.ArchitectureX86_64:
		m.resetX86(cpu)
	case hv.ArchitectureARM64:
		m.resetARM(cpu, m.cfg.Boot.Entry, cpu.Index == 0)
	}
}

func (m *Machine) startThreads() error {
	for i, cpu := range m.cpus {
		t := newVCPUThread(m, cpu)
		m.threads[i] = t

		ready := make(chan error, 1)
		go t.run(ready)
		if err := <-ready; err != nil {
			return fmt.Errorf("machine: start cpu %d: %w", i, err)
		}
	}
	for _, t := range m.threads {
		t.vcpu().SynchronizePostInit()
	}
	return nil
}

// Architecture returns the guest architecture.
func (m *Machine) Architecture() hv.CpuArchitecture { return m.arch }

// CPUs returns the virtual CPUs.
func (m *Machine) CPUs() []*hv.CPU { return m.cpus }

// Capability returns what the hypervisor reported.
func (m *Machine) Capability() nvmm.Capability { return m.accel.Capability() }

// MigrationBlockers returns the reasons the machine cannot be migrated.
func (m *Machine) MigrationBlockers() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.blockers...)
}

// ReadGuest reads guest RAM.
func (m *Machine) ReadGuest(p []byte, gpa uint64) error {
	_, err := m.as.ReadAt(p, int64(gpa))
	return err
}

// Lock implements hv.ControlPlane.
func (m *Machine) Lock() { m.mu.Lock() }

// Unlock implements hv.ControlPlane.
func (m *Machine) Unlock() { m.mu.Unlock() }

// GuestPanicked implements hv.ControlPlane.
func (m *Machine) GuestPanicked(cpu *hv.CPU, info hv.CrashInfo) {
	m.log.Error("machine: guest crashed", "cpu", cpu.Index, "reason", info.Reason)
	m.log.Debug("machine: crash state", "cpu", cpu.Index, "dump", info.Dump)
	m.finish(Result{Cause: hv.ShutdownCauseNone, Crash: &info}, info)
}

// SystemResetRequest implements hv.ControlPlane. A guest reset reboots the
// machine when the reset policy asks for it and stops it otherwise.
func (m *Machine) SystemResetRequest(cause hv.ShutdownCause) {
	if cause == hv.ShutdownCauseGuestReset && m.cfg.Boot.OnReset == OnResetReboot {
		select {
		case m.resetReq <- struct{}{}:
		default:
		}
		return
	}
	m.log.Info("machine: system reset requested", "cause", cause)
	m.finish(Result{Cause: cause}, nil)
}

// ReportError implements hv.ControlPlane.
func (m *Machine) ReportError(err error) {
	m.log.Error("machine: host error", "error", err)
	m.finish(Result{Cause: hv.ShutdownCauseHostError}, err)
}

// AddMigrationBlocker implements hv.ControlPlane.
func (m *Machine) AddMigrationBlocker(reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockers = append(m.blockers, reason)
	m.log.Debug("machine: migration blocked", "reason", reason)
	return nil
}

// PhysicalMemoryRW implements hv.ControlPlane. Accesses outside RAM go to
// the chipset; unclaimed reads return all ones.
func (m *Machine) PhysicalMemoryRW(cpu *hv.CPU, gpa uint64, data []byte, write bool) {
	if s, ok := m.as.Lookup(gpa); ok && s.Region.IsRAM() {
		var err error
		if write {
			_, err = m.as.WriteAt(data, int64(gpa))
		} else {
			_, err = m.as.ReadAt(data, int64(gpa))
		}
		if err != nil {
			m.log.Warn("machine: RAM access failed", "gpa", fmt.Sprintf("%#x", gpa), "write", write, "error", err)
		}
		return
	}

	err := m.chipset.HandleMMIO(cpu, gpa, data, write)
	switch {
	case err == nil:
	case errors.Is(err, chipset.ErrUnhandled):
		m.log.Debug("machine: unhandled MMIO", "gpa", fmt.Sprintf("%#x", gpa), "size", len(data), "write", write)
		if !write {
			fill(data, 0xFF)
		}
	default:
		m.log.Warn("machine: MMIO access failed", "gpa", fmt.Sprintf("%#x", gpa), "write", write, "error", err)
	}
}

// IOPortRW implements hv.ControlPlane.
func (m *Machine) IOPortRW(cpu *hv.CPU, port uint16, data []byte, write bool) error {
	err := m.chipset.HandlePIO(cpu, port, data, write)
	if errors.Is(err, chipset.ErrUnhandled) {
		m.log.Debug("machine: unhandled port", "port", fmt.Sprintf("%#x", port), "size", len(data), "write", write)
		if !write {
			fill(data, 0xFF)
		}
		return nil
	}
	return err
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// exit powers the machine off on the guest's request.
func (m *Machine) exit(code int) {
	m.log.Info("machine: guest powered off", "code", code)
	m.finish(Result{Cause: hv.ShutdownCauseGuestShutdown, ExitCode: code}, nil)
}

// startCPU brings up a secondary CPU at entry. It is called by the system
// device with the lock held on a VCPU thread.
func (m *Machine) startCPU(index int, entry uint64) {
	if index <= 0 || index >= len(m.cpus) {
		m.log.Warn("machine: guest started an invalid cpu", "cpu", index)
		return
	}
	select {
	case <-m.stopped:
		return
	default:
	}

	m.log.Debug("machine: starting cpu", "cpu", index, "entry", fmt.Sprintf("%#x", entry))
	switch m.arch {
	case hv.ArchitectureX86_64:
		m.sipiEntry[index] = entry
		m.cpus[index].RaiseInterrupt(hv.InterruptInit | hv.InterruptSIPI)
		m.kickCPU(index)
	case hv.ArchitectureARM64:
		// the register file is owned by the target thread
		t := m.threads[index]
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			m.RunOnCPU(t.cpu, func(cpu *hv.CPU) {
				m.resetARM(cpu, entry, true)
				t.vcpu().SynchronizePreLoadVM()
			})
		}()
	}
}

func (m *Machine) kickCPU(index int) {
	if index < 0 || index >= len(m.threads) || m.threads[index] == nil {
		return
	}
	m.threads[index].kick()
}

// finish records how the run ended. Only the first call counts.
func (m *Machine) finish(res Result, err error) {
	m.once.Do(func() {
		m.result = res
		m.err = err
		close(m.stopped)
		for i := range m.threads {
			m.kickCPU(i)
		}
	})
}

// Close stops the VCPU threads and releases the hypervisor machine and
// guest RAM.
func (m *Machine) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	m.finish(Result{}, ErrClosed)
	m.bg.Wait()

	for _, t := range m.threads {
		if t != nil {
			close(t.work)
		}
	}
	for _, t := range m.threads {
		if t != nil {
			<-t.done
		}
	}

	var errs []error
	if m.chipset != nil {
		m.mu.Lock()
		errs = append(errs, m.chipset.Stop())
		m.mu.Unlock()
	}
	if err := m.accel.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.ram != nil {
		if err := freeRAM(m.ram); err != nil {
			errs = append(errs, fmt.Errorf("machine: free RAM: %w", err))
		}
		m.ram = nil
	}
	return errors.Join(errs...)
}

var _ hv.ControlPlane = (*Machine)(nil)
