package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyrange/nvmm/internal/hv"
)

// defaultPollHz paces device polling when the timer is off.
const defaultPollHz = 100

// Run starts the guest and blocks until it powers off, crashes, fails or
// ctx is done. The boot timeout of the configuration applies on top of
// ctx. A machine runs at most once.
func (m *Machine) Run(ctx context.Context) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	if d := m.cfg.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	m.mu.Lock()
	err := m.chipset.Start()
	m.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("machine: %w", err)
	}

	m.log.Info("machine: starting",
		"name", m.cfg.Name,
		"arch", m.arch,
		"cpus", len(m.cpus),
		"memory_mb", m.cfg.MemoryMB,
		"entry", fmt.Sprintf("%#x", m.cfg.Boot.Entry))
	close(m.start)

	var tick <-chan time.Time
	if m.chipset.Pollable() {
		hz := m.cfg.TimerHz
		if hz == 0 {
			hz = defaultPollHz
		}
		ticker := time.NewTicker(time.Second / time.Duration(hz))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-m.stopped:
			res := m.result
			res.Reboots = m.reboots
			return res, m.err

		case <-ctx.Done():
			m.finish(Result{Cause: hv.ShutdownCauseNone}, ctx.Err())

		case <-tick:
			m.mu.Lock()
			err := m.chipset.Poll(ctx)
			m.mu.Unlock()
			if err != nil {
				m.ReportError(err)
			}

		case <-m.resetReq:
			m.reboot()
		}
	}
}

// reboot resets devices and memory contents and restarts every CPU at its
// power-on state.
func (m *Machine) reboot() {
	select {
	case <-m.stopped:
		return
	default:
	}

	m.reboots++
	m.log.Info("machine: guest reset, rebooting", "reboots", m.reboots)

	m.mu.Lock()
	err := m.chipset.Reset()
	if err == nil {
		err = m.loadImage()
	}
	m.mu.Unlock()
	if err != nil {
		m.ReportError(fmt.Errorf("machine: reboot: %w", err))
		return
	}

	switch m.arch {
	case hv.ArchitectureX86_64:
		// INIT is applied by each CPU on its own thread
		for i, cpu := range m.cpus {
			cpu.RaiseInterrupt(hv.InterruptInit)
			m.kickCPU(i)
		}
	case hv.ArchitectureARM64:
		for _, t := range m.threads {
			v := t.vcpu()
			m.RunOnCPU(t.cpu, func(cpu *hv.CPU) {
				m.resetCPU(cpu)
				v.SynchronizePreLoadVM()
			})
			v.SynchronizePostReset()
		}
	}
}
