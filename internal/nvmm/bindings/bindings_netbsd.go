//go:build netbsd

package bindings

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

var (
	loadOnce sync.Once
	loadErr  error

	nvmmLib uintptr
	libcLib uintptr

	// hasStop is set when the library exports nvmm_vcpu_stop (ABI 2).
	hasStop bool
)

// Load opens libnvmm and binds the functions used by Kernel.
//
// These are raw bindings; the state, exit and event blocks are aliased by
// the types of the parent package.
func Load() error {
	loadOnce.Do(func() {
		var err error
		nvmmLib, err = purego.Dlopen("libnvmm.so", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen libnvmm: %w", err)
			return
		}
		libcLib, err = purego.Dlopen("libc.so", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen libc: %w", err)
			return
		}

		purego.RegisterLibFunc(&errnoLocation, libcLib, "__errno")

		// capability + machine
		purego.RegisterLibFunc(&nvmm_capability, nvmmLib, "nvmm_capability")
		purego.RegisterLibFunc(&nvmm_machine_create, nvmmLib, "nvmm_machine_create")
		purego.RegisterLibFunc(&nvmm_machine_destroy, nvmmLib, "nvmm_machine_destroy")

		// memory
		purego.RegisterLibFunc(&nvmm_hva_map, nvmmLib, "nvmm_hva_map")
		purego.RegisterLibFunc(&nvmm_hva_unmap, nvmmLib, "nvmm_hva_unmap")
		purego.RegisterLibFunc(&nvmm_gpa_map, nvmmLib, "nvmm_gpa_map")
		purego.RegisterLibFunc(&nvmm_gpa_unmap, nvmmLib, "nvmm_gpa_unmap")

		// vcpu
		purego.RegisterLibFunc(&nvmm_vcpu_create, nvmmLib, "nvmm_vcpu_create")
		purego.RegisterLibFunc(&nvmm_vcpu_destroy, nvmmLib, "nvmm_vcpu_destroy")
		purego.RegisterLibFunc(&nvmm_vcpu_configure, nvmmLib, "nvmm_vcpu_configure")
		purego.RegisterLibFunc(&nvmm_vcpu_getstate, nvmmLib, "nvmm_vcpu_getstate")
		purego.RegisterLibFunc(&nvmm_vcpu_setstate, nvmmLib, "nvmm_vcpu_setstate")
		purego.RegisterLibFunc(&nvmm_vcpu_inject, nvmmLib, "nvmm_vcpu_inject")
		purego.RegisterLibFunc(&nvmm_vcpu_run, nvmmLib, "nvmm_vcpu_run")

		// assists
		purego.RegisterLibFunc(&nvmm_assist_io, nvmmLib, "nvmm_assist_io")
		purego.RegisterLibFunc(&nvmm_assist_mem, nvmmLib, "nvmm_assist_mem")

		if _, err := purego.Dlsym(nvmmLib, "nvmm_vcpu_stop"); err == nil {
			purego.RegisterLibFunc(&nvmm_vcpu_stop, nvmmLib, "nvmm_vcpu_stop")
			hasStop = true
		}

		ioCallbackPtr = purego.NewCallback(ioTrampoline)
		memCallbackPtr = purego.NewCallback(memTrampoline)
	})
	return loadErr
}

// ---- Function variables (populated by Load) ----

var errnoLocation func() *int32

var (
	nvmm_capability      func(cap unsafe.Pointer) int32
	nvmm_machine_create  func(mach *cMachine) int32
	nvmm_machine_destroy func(mach *cMachine) int32
)

var (
	nvmm_hva_map   func(mach *cMachine, hva uintptr, size uintptr) int32
	nvmm_hva_unmap func(mach *cMachine, hva uintptr, size uintptr) int32
	nvmm_gpa_map   func(mach *cMachine, hva uintptr, gpa uint64, size uintptr, prot int32) int32
	nvmm_gpa_unmap func(mach *cMachine, hva uintptr, gpa uint64, size uintptr) int32
)

var (
	nvmm_vcpu_create    func(mach *cMachine, cpuid uint32, vcpu *cVCPU) int32
	nvmm_vcpu_destroy   func(mach *cMachine, vcpu *cVCPU) int32
	nvmm_vcpu_configure func(mach *cMachine, vcpu *cVCPU, op uint64, conf unsafe.Pointer) int32
	nvmm_vcpu_getstate  func(mach *cMachine, vcpu *cVCPU, flags uint64) int32
	nvmm_vcpu_setstate  func(mach *cMachine, vcpu *cVCPU, flags uint64) int32
	nvmm_vcpu_inject    func(mach *cMachine, vcpu *cVCPU) int32
	nvmm_vcpu_run       func(mach *cMachine, vcpu *cVCPU) int32
	nvmm_vcpu_stop      func(vcpu *cVCPU) int32
)

var (
	nvmm_assist_io  func(mach *cMachine, vcpu *cVCPU) int32
	nvmm_assist_mem func(mach *cMachine, vcpu *cVCPU) int32
)

// ---- C structures ----

// cMachine mirrors struct nvmm_machine.
type cMachine struct {
	machid uint32
	pages  unsafe.Pointer
	areas  unsafe.Pointer
}

// cVCPU mirrors struct nvmm_vcpu. The blocks are allocated by libnvmm.
type cVCPU struct {
	cpuid uint32
	state unsafe.Pointer
	event unsafe.Pointer
	exit  unsafe.Pointer
}

// cIO mirrors struct nvmm_io.
type cIO struct {
	mach *cMachine
	vcpu *cVCPU
	port uint16
	in   bool
	size uintptr
	data *byte
}

// cMem mirrors struct nvmm_mem.
type cMem struct {
	mach  *cMachine
	vcpu  *cVCPU
	gpa   uint64
	write bool
	size  uintptr
	data  *byte
}

// cCallbacks mirrors struct nvmm_vcpu_conf_callbacks.
type cCallbacks struct {
	io  uintptr
	mem uintptr
}

// cCPUIDConf mirrors struct nvmm_vcpu_conf_cpuid in mask mode.
type cCPUIDConf struct {
	flags uint32 // mask:1 exit:1
	leaf  uint32
	set   [4]uint32
	del   [4]uint32
}

// cTPRConf mirrors struct nvmm_vcpu_conf_tpr.
type cTPRConf struct {
	flags uint32 // exit_changed:1
}

// call runs fn on a locked thread so errno is read from the thread that
// set it.
func call(op string, fn func() int32) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if fn() == 0 {
		return nil
	}
	return &Error{Op: op, Errno: unix.Errno(*errnoLocation())}
}
