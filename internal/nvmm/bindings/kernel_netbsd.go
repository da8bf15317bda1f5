//go:build netbsd

package bindings

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/nvmm/internal/nvmm"
)

var (
	ioCallbackPtr  uintptr
	memCallbackPtr uintptr

	// callbacks maps a *cVCPU to the CallbacksConf installed on it.
	callbacks sync.Map
)

type machineHandle struct {
	c      *cMachine
	pinner runtime.Pinner
}

type vcpuHandle struct {
	c      *cVCPU
	pinner runtime.Pinner
}

// Kernel is the libnvmm-backed nvmm.Kernel.
type Kernel struct{}

// StopKernel is a Kernel whose library exports nvmm_vcpu_stop.
type StopKernel struct {
	Kernel
}

var (
	_ nvmm.Kernel  = Kernel{}
	_ nvmm.Stopper = StopKernel{}
)

// Open loads libnvmm. The returned kernel also implements nvmm.Stopper when
// the library supports it.
func Open() (nvmm.Kernel, error) {
	if err := Load(); err != nil {
		return nil, fmt.Errorf("%w: %v", nvmm.ErrHypervisorUnsupported, err)
	}
	if hasStop {
		return StopKernel{}, nil
	}
	return Kernel{}, nil
}

func machineOf(m *nvmm.Machine) *cMachine { return m.Priv.(*machineHandle).c }

func vcpuOf(v *nvmm.VCPU) *cVCPU { return v.Priv.(*vcpuHandle).c }

func (Kernel) Capability() (nvmm.Capability, error) {
	var c nvmm.Capability
	err := call("capability", func() int32 { return nvmm_capability(unsafe.Pointer(&c)) })
	return c, err
}

func (Kernel) CreateMachine() (*nvmm.Machine, error) {
	h := &machineHandle{c: &cMachine{}}
	h.pinner.Pin(h.c)
	if err := call("machine_create", func() int32 { return nvmm_machine_create(h.c) }); err != nil {
		h.pinner.Unpin()
		return nil, err
	}
	return &nvmm.Machine{ID: h.c.machid, Priv: h}, nil
}

func (Kernel) DestroyMachine(m *nvmm.Machine) error {
	h := m.Priv.(*machineHandle)
	err := call("machine_destroy", func() int32 { return nvmm_machine_destroy(h.c) })
	if err == nil {
		h.pinner.Unpin()
	}
	return err
}

func (Kernel) MapHVA(m *nvmm.Machine, hva uintptr, size uint64) error {
	return call("hva_map", func() int32 { return nvmm_hva_map(machineOf(m), hva, uintptr(size)) })
}

func (Kernel) UnmapHVA(m *nvmm.Machine, hva uintptr, size uint64) error {
	return call("hva_unmap", func() int32 { return nvmm_hva_unmap(machineOf(m), hva, uintptr(size)) })
}

func (Kernel) MapGPA(m *nvmm.Machine, hva uintptr, gpa uint64, size uint64, prot nvmm.Prot) error {
	return call("gpa_map", func() int32 {
		return nvmm_gpa_map(machineOf(m), hva, gpa, uintptr(size), int32(prot))
	})
}

func (Kernel) UnmapGPA(m *nvmm.Machine, hva uintptr, gpa uint64, size uint64) error {
	return call("gpa_unmap", func() int32 { return nvmm_gpa_unmap(machineOf(m), hva, gpa, uintptr(size)) })
}

func (Kernel) CreateVCPU(m *nvmm.Machine, id uint32) (*nvmm.VCPU, error) {
	h := &vcpuHandle{c: &cVCPU{}}
	h.pinner.Pin(h.c)
	if err := call("vcpu_create", func() int32 { return nvmm_vcpu_create(machineOf(m), id, h.c) }); err != nil {
		h.pinner.Unpin()
		return nil, err
	}
	v := nvmm.NewVCPU(id, h.c.state, (*nvmm.Exit)(h.c.exit), (*nvmm.Event)(h.c.event))
	v.Priv = h
	return v, nil
}

func (Kernel) DestroyVCPU(m *nvmm.Machine, v *nvmm.VCPU) error {
	h := v.Priv.(*vcpuHandle)
	err := call("vcpu_destroy", func() int32 { return nvmm_vcpu_destroy(machineOf(m), h.c) })
	if err == nil {
		callbacks.Delete(uintptr(unsafe.Pointer(h.c)))
		h.pinner.Unpin()
	}
	return err
}

func (Kernel) ConfigureVCPU(m *nvmm.Machine, v *nvmm.VCPU, conf nvmm.VCPUConf) error {
	cv := vcpuOf(v)
	var p unsafe.Pointer
	switch c := conf.(type) {
	case nvmm.CallbacksConf:
		cb := &cCallbacks{}
		if c.IO != nil {
			cb.io = ioCallbackPtr
		}
		if c.Mem != nil {
			cb.mem = memCallbackPtr
		}
		callbacks.Store(uintptr(unsafe.Pointer(cv)), &c)
		p = unsafe.Pointer(cb)
	case nvmm.CPUIDConf:
		cc := &cCPUIDConf{leaf: c.Leaf}
		if c.Mask {
			cc.flags |= 1
		}
		if c.Exit {
			cc.flags |= 2
		}
		cc.set = [4]uint32{c.Set.EAX, c.Set.EBX, c.Set.ECX, c.Set.EDX}
		cc.del = [4]uint32{c.Del.EAX, c.Del.EBX, c.Del.ECX, c.Del.EDX}
		p = unsafe.Pointer(cc)
	case nvmm.TPRConf:
		tc := &cTPRConf{}
		if c.ExitChanged {
			tc.flags |= 1
		}
		p = unsafe.Pointer(tc)
	default:
		return fmt.Errorf("nvmm: unsupported vcpu configuration %T", conf)
	}
	return call("vcpu_configure", func() int32 {
		return nvmm_vcpu_configure(machineOf(m), cv, uint64(conf.Op()), p)
	})
}

func (Kernel) GetState(m *nvmm.Machine, v *nvmm.VCPU, cats nvmm.StateCategory) error {
	return call("vcpu_getstate", func() int32 { return nvmm_vcpu_getstate(machineOf(m), vcpuOf(v), uint64(cats)) })
}

func (Kernel) SetState(m *nvmm.Machine, v *nvmm.VCPU, cats nvmm.StateCategory) error {
	return call("vcpu_setstate", func() int32 { return nvmm_vcpu_setstate(machineOf(m), vcpuOf(v), uint64(cats)) })
}

func (Kernel) Inject(m *nvmm.Machine, v *nvmm.VCPU) error {
	return call("vcpu_inject", func() int32 { return nvmm_vcpu_inject(machineOf(m), vcpuOf(v)) })
}

func (Kernel) Run(m *nvmm.Machine, v *nvmm.VCPU) error {
	return call("vcpu_run", func() int32 { return nvmm_vcpu_run(machineOf(m), vcpuOf(v)) })
}

func (Kernel) AssistMem(m *nvmm.Machine, v *nvmm.VCPU) error {
	return call("assist_mem", func() int32 { return nvmm_assist_mem(machineOf(m), vcpuOf(v)) })
}

func (Kernel) AssistIO(m *nvmm.Machine, v *nvmm.VCPU) error {
	return call("assist_io", func() int32 { return nvmm_assist_io(machineOf(m), vcpuOf(v)) })
}

func (StopKernel) Stop(v *nvmm.VCPU) error {
	return call("vcpu_stop", func() int32 { return nvmm_vcpu_stop(vcpuOf(v)) })
}

// ---- assist callbacks ----

func lookupCallbacks(v *cVCPU) *nvmm.CallbacksConf {
	c, ok := callbacks.Load(uintptr(unsafe.Pointer(v)))
	if !ok {
		return nil
	}
	return c.(*nvmm.CallbacksConf)
}

func ioTrampoline(p uintptr) {
	io := (*cIO)(unsafe.Pointer(p))
	cb := lookupCallbacks(io.vcpu)
	if cb == nil || cb.IO == nil {
		return
	}
	cb.IO(&nvmm.IOAccess{
		Port: io.port,
		In:   io.in,
		Data: unsafe.Slice(io.data, io.size),
	})
}

func memTrampoline(p uintptr) {
	mem := (*cMem)(unsafe.Pointer(p))
	cb := lookupCallbacks(mem.vcpu)
	if cb == nil || cb.Mem == nil {
		return
	}
	cb.Mem(&nvmm.MemAccess{
		GPA:   mem.gpa,
		Write: mem.write,
		Data:  unsafe.Slice(mem.data, mem.size),
	})
}
