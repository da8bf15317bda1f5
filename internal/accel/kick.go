package accel

import "sync"

// threadRegistry maps OS thread ids to the VCPU currently bound to them.
// Kicks are only delivered to threads with a bound VCPU.
type threadRegistry struct {
	threads sync.Map // int -> *VCPU
}

func (r *threadRegistry) bind(tid int, v *VCPU) {
	r.threads.Store(tid, v)
}

func (r *threadRegistry) unbind(tid int, v *VCPU) {
	r.threads.CompareAndDelete(tid, v)
}

func (r *threadRegistry) lookup(tid int) *VCPU {
	v, ok := r.threads.Load(tid)
	if !ok {
		return nil
	}
	return v.(*VCPU)
}

// Kick forces the VCPU out of guest execution. It is safe to call from any
// thread, including the VCPU's own.
func (v *VCPU) Kick() {
	v.cpu.ExitRequest.Store(true)

	if v.m.stopper != nil {
		if err := v.m.stopper.Stop(v.hv); err != nil {
			v.m.log.Error("nvmm: failed to stop vcpu", "cpu", v.cpu.Index, "error", err)
		}
	} else {
		v.stop.Store(true)
	}

	select {
	case v.wake <- struct{}{}:
	default:
	}

	// running is set before the loop checks stop and exit request, so
	// either the loop sees the flags or we see running and signal.
	if !v.running.Load() {
		return
	}
	if v.m.threads.lookup(v.tid) != v {
		return
	}
	if err := v.m.kicker.KickThread(v.tid); err != nil {
		v.m.log.Debug("nvmm: kick failed", "cpu", v.cpu.Index, "tid", v.tid, "error", err)
	}
}
