package chipset

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/nvmm/internal/hv"
)

// ErrUnhandled is returned for accesses no device claims.
var ErrUnhandled = errors.New("chipset: unhandled access")

// Init hands the control plane to every device.
func (c *Chipset) Init(plane hv.ControlPlane) error {
	for _, d := range c.devices {
		if err := d.dev.Init(plane); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", d.name, err)
		}
	}
	return nil
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	return c.each("start", ChangeDeviceState.Start)
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	return c.each("stop", ChangeDeviceState.Stop)
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	return c.each("reset", ChangeDeviceState.Reset)
}

func (c *Chipset) each(op string, fn func(ChangeDeviceState) error) error {
	for _, d := range c.devices {
		if err := fn(d.dev); err != nil {
			return fmt.Errorf("chipset: %s device %q: %w", op, d.name, err)
		}
	}
	return nil
}

// HandlePIO routes an I/O port access made by cpu to the device owning
// the port.
func (c *Chipset) HandlePIO(cpu *hv.CPU, port uint16, data []byte, write bool) error {
	claim, ok := c.ports[port]
	if !ok {
		return fmt.Errorf("%w: I/O port 0x%04x", ErrUnhandled, port)
	}
	a := &Access{CPU: cpu, Addr: uint64(port), Data: data, Write: write}
	if err := claim.handler.HandlePortIO(a); err != nil {
		return fmt.Errorf("chipset: %s: %w", claim.owner, err)
	}
	return nil
}

// HandleMMIO routes an MMIO access made by cpu to the device whose region
// contains the whole access.
func (c *Chipset) HandleMMIO(cpu *hv.CPU, addr uint64, data []byte, write bool) error {
	end := addr + uint64(len(data))
	if end < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	i := sort.Search(len(c.mmio), func(i int) bool { return c.mmio[i].end() > addr })
	if i == len(c.mmio) || addr < c.mmio[i].region.Address || end > c.mmio[i].end() {
		return fmt.Errorf("%w: MMIO address 0x%016x", ErrUnhandled, addr)
	}
	claim := c.mmio[i]
	a := &Access{CPU: cpu, Addr: addr, Data: data, Write: write}
	if err := claim.handler.HandleMMIO(a); err != nil {
		return fmt.Errorf("chipset: %s: %w", claim.owner, err)
	}
	return nil
}

// ClaimedRegion is an MMIO region and the device that owns it.
type ClaimedRegion struct {
	Owner string
	hv.MMIORegion
}

// MMIORegions returns the claimed regions ordered by address.
func (c *Chipset) MMIORegions() []ClaimedRegion {
	out := make([]ClaimedRegion, len(c.mmio))
	for i, claim := range c.mmio {
		out[i] = ClaimedRegion{Owner: claim.owner, MMIORegion: claim.region}
	}
	return out
}

// Poll runs every poll handler once.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

// Pollable reports whether any device asked to be polled.
func (c *Chipset) Pollable() bool { return len(c.polls) > 0 }
