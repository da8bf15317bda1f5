// Package nvmmtest provides a scripted in-memory hypervisor for tests of
// code built on nvmm.Kernel.
package nvmmtest

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/nvmm/internal/nvmm"
)

var ErrInjected = errors.New("nvmmtest: injected failure")

// Mapping is one recorded MapGPA or UnmapGPA call.
type Mapping struct {
	HVA  uintptr
	GPA  uint64
	Size uint64
	Prot nvmm.Prot
}

// Window is one recorded MapHVA call.
type Window struct {
	HVA  uintptr
	Size uint64
}

// StateCall is one recorded GetState or SetState call.
type StateCall struct {
	VCPU uint32
	Set  bool
	Cats nvmm.StateCategory
}

// VCPU is the fake's view of a hypervisor VCPU.
type VCPU struct {
	Handle *nvmm.VCPU

	mu        sync.Mutex
	exits     []nvmm.Exit
	confs     []nvmm.VCPUConf
	injected  []nvmm.Event
	callbacks nvmm.CallbacksConf
	destroyed bool

	stopPending atomic.Bool
	kick        chan struct{}
	runs        atomic.Int64
	state       []uint64
}

// Confs returns the configuration requests applied so far.
func (v *VCPU) Confs() []nvmm.VCPUConf {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]nvmm.VCPUConf(nil), v.confs...)
}

// Injected returns the events injected so far.
func (v *VCPU) Injected() []nvmm.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]nvmm.Event(nil), v.injected...)
}

// Runs returns the number of Run calls.
func (v *VCPU) Runs() int64 { return v.runs.Load() }

func (v *VCPU) Destroyed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.destroyed
}

// Kernel implements nvmm.Kernel without the Stop primitive.
type Kernel struct {
	Cap nvmm.Capability

	// OnRun, when set, runs at the start of every Run call.
	OnRun func(v *VCPU)

	// Injected failures. A nil error means the call succeeds.
	FailCreateMachine error
	FailCreateVCPU    error
	FailConfigure     map[nvmm.ConfOp]error
	FailMapHVA        error
	FailMapGPA        error
	FailGetState      error
	FailSetState      error
	FailInject        error
	FailRun           error
	FailAssistMem     error
	FailAssistIO      error

	mu         sync.Mutex
	machines   int
	vcpus      map[uint32]*VCPU
	windows    []Window
	maps       []Mapping
	unmaps     []Mapping
	stateCalls []StateCall
}

func newKernel(stateSize uint32) *Kernel {
	return &Kernel{
		Cap: nvmm.Capability{
			Version:     nvmm.KernVersion,
			StateSize:   stateSize,
			MaxMachines: 128,
			MaxVCPUs:    256,
			MaxRAM:      1 << 40,
		},
		FailConfigure: map[nvmm.ConfOp]error{},
		vcpus:         map[uint32]*VCPU{},
	}
}

// NewX86 returns a fake hypervisor for x86-64 guests supporting CPUID and
// TPR configuration.
func NewX86() *Kernel {
	k := newKernel(nvmm.X64StateSize)
	k.Cap.Arch.VCPUConfSupport = nvmm.CapVCPUConfCPUID | nvmm.CapVCPUConfTPR
	return k
}

// NewAArch64 returns a fake hypervisor for AArch64 guests.
func NewAArch64() *Kernel {
	return newKernel(nvmm.AArch64StateSize)
}

// StopKernel adds the Stop primitive of ABI version 2.
type StopKernel struct {
	*Kernel
}

func (k *Kernel) WithStop() *StopKernel { return &StopKernel{Kernel: k} }

// Stop makes the current or next Run of v return ExitStopped.
func (k *StopKernel) Stop(h *nvmm.VCPU) error {
	v := k.lookup(h)
	if v == nil {
		return errors.New("nvmmtest: unknown vcpu")
	}
	v.stopPending.Store(true)
	v.wakeRun()
	return nil
}

func (v *VCPU) wakeRun() {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// Interrupt emulates a signal delivered to the thread running v: a
// blocked Run returns ExitNone. A signal sent while v is not in Run is
// remembered for the next one.
func (k *Kernel) Interrupt(id uint32) {
	if v := k.VCPU(id); v != nil {
		v.wakeRun()
	}
}

// Script queues exits returned by successive Run calls of VCPU id. Once the
// script is exhausted Run blocks until the VCPU is stopped or interrupted.
func (k *Kernel) Script(id uint32, exits ...nvmm.Exit) {
	v := k.VCPU(id)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exits = append(v.exits, exits...)
}

// VCPU returns the fake VCPU with the given id, or nil.
func (k *Kernel) VCPU(id uint32) *VCPU {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.vcpus[id]
}

func (k *Kernel) lookup(h *nvmm.VCPU) *VCPU {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := k.vcpus[h.ID]
	if v == nil || v.Handle != h {
		return nil
	}
	return v
}

func (k *Kernel) Windows() []Window {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Window(nil), k.windows...)
}

func (k *Kernel) Maps() []Mapping {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Mapping(nil), k.maps...)
}

func (k *Kernel) Unmaps() []Mapping {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Mapping(nil), k.unmaps...)
}

func (k *Kernel) StateCalls() []StateCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]StateCall(nil), k.stateCalls...)
}

// ResetCalls forgets the recorded map and state calls.
func (k *Kernel) ResetCalls() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.windows = nil
	k.maps = nil
	k.unmaps = nil
	k.stateCalls = nil
}

func (k *Kernel) Machines() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.machines
}

func (k *Kernel) Capability() (nvmm.Capability, error) { return k.Cap, nil }

func (k *Kernel) CreateMachine() (*nvmm.Machine, error) {
	if k.FailCreateMachine != nil {
		return nil, k.FailCreateMachine
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.machines++
	return &nvmm.Machine{ID: uint32(k.machines)}, nil
}

func (k *Kernel) DestroyMachine(*nvmm.Machine) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.machines--
	return nil
}

func (k *Kernel) MapHVA(_ *nvmm.Machine, hva uintptr, size uint64) error {
	if k.FailMapHVA != nil {
		return k.FailMapHVA
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.windows = append(k.windows, Window{HVA: hva, Size: size})
	return nil
}

func (k *Kernel) UnmapHVA(_ *nvmm.Machine, hva uintptr, size uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, w := range k.windows {
		if w.HVA == hva && w.Size == size {
			k.windows = append(k.windows[:i], k.windows[i+1:]...)
			return nil
		}
	}
	return errors.New("nvmmtest: no such window")
}

func (k *Kernel) MapGPA(_ *nvmm.Machine, hva uintptr, gpa, size uint64, prot nvmm.Prot) error {
	if k.FailMapGPA != nil {
		return k.FailMapGPA
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.maps = append(k.maps, Mapping{HVA: hva, GPA: gpa, Size: size, Prot: prot})
	return nil
}

func (k *Kernel) UnmapGPA(_ *nvmm.Machine, hva uintptr, gpa, size uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unmaps = append(k.unmaps, Mapping{HVA: hva, GPA: gpa, Size: size})
	return nil
}

func (k *Kernel) CreateVCPU(_ *nvmm.Machine, id uint32) (*nvmm.VCPU, error) {
	if k.FailCreateVCPU != nil {
		return nil, k.FailCreateVCPU
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if old, ok := k.vcpus[id]; ok && !old.destroyed {
		return nil, errors.New("nvmmtest: vcpu exists")
	}

	v := &VCPU{
		kick:  make(chan struct{}, 1),
		state: make([]uint64, (k.Cap.StateSize+7)/8),
	}
	v.Handle = nvmm.NewVCPU(id, unsafe.Pointer(&v.state[0]), &nvmm.Exit{}, &nvmm.Event{})
	k.vcpus[id] = v
	return v.Handle, nil
}

func (k *Kernel) DestroyVCPU(_ *nvmm.Machine, h *nvmm.VCPU) error {
	v := k.lookup(h)
	if v == nil {
		return errors.New("nvmmtest: unknown vcpu")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return errors.New("nvmmtest: vcpu destroyed twice")
	}
	v.destroyed = true
	return nil
}

func (k *Kernel) ConfigureVCPU(_ *nvmm.Machine, h *nvmm.VCPU, conf nvmm.VCPUConf) error {
	if err := k.FailConfigure[conf.Op()]; err != nil {
		return err
	}
	v := k.lookup(h)
	if v == nil {
		return errors.New("nvmmtest: unknown vcpu")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if cb, ok := conf.(nvmm.CallbacksConf); ok {
		v.callbacks = cb
	}
	v.confs = append(v.confs, conf)
	return nil
}

func (k *Kernel) recordState(h *nvmm.VCPU, set bool, cats nvmm.StateCategory) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stateCalls = append(k.stateCalls, StateCall{VCPU: h.ID, Set: set, Cats: cats})
}

func (k *Kernel) GetState(_ *nvmm.Machine, h *nvmm.VCPU, cats nvmm.StateCategory) error {
	if k.FailGetState != nil {
		return k.FailGetState
	}
	k.recordState(h, false, cats)
	return nil
}

func (k *Kernel) SetState(_ *nvmm.Machine, h *nvmm.VCPU, cats nvmm.StateCategory) error {
	if k.FailSetState != nil {
		return k.FailSetState
	}
	k.recordState(h, true, cats)
	return nil
}

func (k *Kernel) Inject(_ *nvmm.Machine, h *nvmm.VCPU) error {
	if k.FailInject != nil {
		return k.FailInject
	}
	v := k.lookup(h)
	if v == nil {
		return errors.New("nvmmtest: unknown vcpu")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injected = append(v.injected, *h.Event)
	return nil
}

func (k *Kernel) Run(_ *nvmm.Machine, h *nvmm.VCPU) error {
	if k.FailRun != nil {
		return k.FailRun
	}
	v := k.lookup(h)
	if v == nil {
		return errors.New("nvmmtest: unknown vcpu")
	}
	v.runs.Add(1)

	if k.OnRun != nil {
		k.OnRun(v)
	}

	for {
		if v.stopPending.Swap(false) {
			*h.Exit = nvmm.Exit{Reason: nvmm.ExitStopped}
			return nil
		}

		v.mu.Lock()
		if len(v.exits) > 0 {
			*h.Exit = v.exits[0]
			v.exits = v.exits[1:]
			v.mu.Unlock()
			return nil
		}
		v.mu.Unlock()

		<-v.kick
		if v.stopPending.Load() {
			continue
		}
		*h.Exit = nvmm.Exit{Reason: nvmm.ExitNone}
		return nil
	}
}

func (k *Kernel) AssistMem(_ *nvmm.Machine, h *nvmm.VCPU) error {
	if k.FailAssistMem != nil {
		return k.FailAssistMem
	}
	v := k.lookup(h)
	if v == nil {
		return errors.New("nvmmtest: unknown vcpu")
	}
	mem := h.Exit.Memory()
	access := &nvmm.MemAccess{
		GPA:   mem.GPA,
		Write: mem.Prot&nvmm.ProtWrite != 0,
		Data:  make([]byte, 4),
	}
	if v.callbacks.Mem != nil {
		v.callbacks.Mem(access)
	}
	return nil
}

// AssistIO performs a single port access of the exit's operand size. Writes
// carry the low bytes of RAX; reads are stored back into RAX.
func (k *Kernel) AssistIO(_ *nvmm.Machine, h *nvmm.VCPU) error {
	if k.FailAssistIO != nil {
		return k.FailAssistIO
	}
	v := k.lookup(h)
	if v == nil {
		return errors.New("nvmmtest: unknown vcpu")
	}
	io := h.Exit.IO()
	size := int(io.OperandSize)
	if size == 0 || size > 8 {
		size = 1
	}

	st := h.X64State()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], st.GPRs[nvmm.X64GPRRAX])
	access := &nvmm.IOAccess{Port: io.Port, In: io.In, Data: buf[:size]}
	if v.callbacks.IO != nil {
		v.callbacks.IO(access)
	}
	if io.In {
		st.GPRs[nvmm.X64GPRRAX] = binary.LittleEndian.Uint64(buf[:])
	}
	st.GPRs[nvmm.X64GPRRIP] = io.NPC
	return nil
}

var (
	_ nvmm.Kernel  = &Kernel{}
	_ nvmm.Stopper = &StopKernel{}
)
