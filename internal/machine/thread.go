package machine

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/nvmm/internal/accel"
	"github.com/tinyrange/nvmm/internal/hv"
)

// vcpuThread owns the OS thread a VCPU runs on. Everything that touches
// the VCPU's register file is queued to it.
type vcpuThread struct {
	m   *Machine
	cpu *hv.CPU
	v   atomic.Pointer[accel.VCPU]

	work chan func()
	wake chan struct{}
	done chan struct{}
}

func newVCPUThread(m *Machine, cpu *hv.CPU) *vcpuThread {
	return &vcpuThread{
		m:    m,
		cpu:  cpu,
		work: make(chan func(), 16),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (t *vcpuThread) vcpu() *accel.VCPU { return t.v.Load() }

// kick gets the thread's attention whether it is running the guest or
// waiting while halted.
func (t *vcpuThread) kick() {
	if v := t.v.Load(); v != nil {
		v.Kick()
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *vcpuThread) run(ready chan<- error) {
	defer close(t.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v, err := t.m.accel.CreateVCPU(t.cpu)
	if err != nil {
		ready <- err
		return
	}
	t.v.Store(v)
	ready <- nil

	defer func() {
		if err := v.Destroy(); err != nil {
			t.m.log.Error("machine: failed to destroy vcpu", "cpu", t.cpu.Index, "error", err)
		}
	}()

	// serve requests until the machine is started
wait:
	for {
		select {
		case fn, ok := <-t.work:
			if !ok {
				return
			}
			fn()
		case <-t.m.start:
			break wait
		}
	}

	for {
		if !t.drain() {
			return
		}
		select {
		case <-t.m.stopped:
			t.serve()
			return
		default:
		}

		t.m.mu.Lock()
		out, err := v.Exec()
		t.m.mu.Unlock()

		switch out {
		case accel.OutcomeError:
			// a crash has already been reported by the accelerator
			if err != nil && !errors.Is(err, hv.ErrGuestCrashed) {
				t.m.ReportError(err)
			}
			t.serve()
			return
		case accel.OutcomeHalted:
			if !t.idle() {
				return
			}
		}
	}
}

// drain runs queued work without blocking. It is false once the queue is
// closed.
func (t *vcpuThread) drain() bool {
	for {
		select {
		case fn, ok := <-t.work:
			if !ok {
				return false
			}
			fn()
		default:
			return true
		}
	}
}

// idle waits while the CPU is halted.
func (t *vcpuThread) idle() bool {
	select {
	case fn, ok := <-t.work:
		if !ok {
			return false
		}
		fn()
	case <-t.wake:
	case <-t.m.stopped:
	}
	return true
}

// serve runs queued work until the queue is closed.
func (t *vcpuThread) serve() {
	for fn := range t.work {
		fn()
	}
}

// RunOnCPU implements hv.ControlPlane. fn runs with the lock held on the
// thread that owns cpu. The caller must not hold the lock or be that
// thread.
func (m *Machine) RunOnCPU(cpu *hv.CPU, fn func(cpu *hv.CPU)) {
	t := m.threads[cpu.Index]
	done := make(chan struct{})
	t.work <- func() {
		m.mu.Lock()
		fn(cpu)
		m.mu.Unlock()
		close(done)
	}
	t.kick()
	<-done
}
