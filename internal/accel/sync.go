package accel

import "github.com/tinyrange/nvmm/internal/hv"

// SynchronizeState makes the register file current so the control plane
// can read or modify it. Any modification is pushed before the next run.
func (v *VCPU) SynchronizeState() {
	v.m.plane.RunOnCPU(v.cpu, func(*hv.CPU) { v.synchronizeState() })
}

func (v *VCPU) synchronizeState() {
	if !v.dirty {
		v.policy.pull()
		v.dirty = true
	}
}

// SynchronizePostReset pushes the register file after a system reset.
func (v *VCPU) SynchronizePostReset() {
	v.m.plane.RunOnCPU(v.cpu, func(*hv.CPU) { v.pushNow() })
}

// SynchronizePostInit pushes the register file after machine init.
func (v *VCPU) SynchronizePostInit() {
	v.m.plane.RunOnCPU(v.cpu, func(*hv.CPU) { v.pushNow() })
}

// SynchronizePreLoadVM marks the register file as authoritative before a
// saved state is loaded into it.
func (v *VCPU) SynchronizePreLoadVM() {
	v.dirty = true
}

func (v *VCPU) pushNow() {
	v.policy.push()
	v.dirty = false
}
