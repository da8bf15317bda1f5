package chipset

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/tinyrange/nvmm/internal/hv"
)

// ErrConflict is returned when two devices claim the same port, overlapping
// MMIO or the same name.
var ErrConflict = errors.New("chipset: conflicting claim")

type portClaim struct {
	owner   string
	handler PortIOHandler
}

type mmioClaim struct {
	owner   string
	region  hv.MMIORegion
	handler MmioHandler
}

func (c mmioClaim) end() uint64 { return c.region.Address + c.region.Size }

type namedDevice struct {
	name string
	dev  ChipsetDevice
}

// Builder collects devices and the accesses they claim. A device is
// either added with all of its claims or not at all.
type Builder struct {
	devices []namedDevice
	ports   map[uint16]portClaim
	mmio    []mmioClaim
	polls   []PollHandler
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{ports: make(map[uint16]portClaim)}
}

// Add registers dev under name together with its port, MMIO and poll
// claims.
func (b *Builder) Add(name string, dev ChipsetDevice) error {
	if name == "" {
		return errors.New("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	for _, d := range b.devices {
		if d.name == name {
			return fmt.Errorf("%w: device %q already added", ErrConflict, name)
		}
	}

	ports := make(map[uint16]portClaim)
	if pio := dev.SupportsPortIO(); pio != nil {
		if pio.Handler == nil {
			return fmt.Errorf("chipset: device %q claims ports without a handler", name)
		}
		for _, port := range pio.Ports {
			if c, ok := b.ports[port]; ok {
				return fmt.Errorf("%w: port 0x%04x of %q is owned by %q", ErrConflict, port, name, c.owner)
			}
			if _, ok := ports[port]; ok {
				return fmt.Errorf("%w: device %q claims port 0x%04x twice", ErrConflict, name, port)
			}
			ports[port] = portClaim{owner: name, handler: pio.Handler}
		}
	}

	var regions []mmioClaim
	if mmio := dev.SupportsMmio(); mmio != nil {
		if mmio.Handler == nil {
			return fmt.Errorf("chipset: device %q claims MMIO without a handler", name)
		}
		for _, r := range mmio.Regions {
			c := mmioClaim{owner: name, region: r, handler: mmio.Handler}
			if err := checkRegion(c, b.mmio, regions); err != nil {
				return err
			}
			regions = append(regions, c)
		}
	}

	var poll PollHandler
	if p := dev.SupportsPollDevice(); p != nil {
		if p.Handler == nil {
			return fmt.Errorf("chipset: device %q asks to be polled without a handler", name)
		}
		poll = p.Handler
	}

	for port, c := range ports {
		b.ports[port] = c
	}
	b.mmio = append(b.mmio, regions...)
	if poll != nil {
		b.polls = append(b.polls, poll)
	}
	b.devices = append(b.devices, namedDevice{name: name, dev: dev})
	return nil
}

func checkRegion(c mmioClaim, claimed ...[]mmioClaim) error {
	r := c.region
	if r.Size == 0 {
		return fmt.Errorf("chipset: device %q claims an empty MMIO region at 0x%x", c.owner, r.Address)
	}
	if c.end() < r.Address {
		return fmt.Errorf("chipset: device %q MMIO region 0x%x+0x%x wraps", c.owner, r.Address, r.Size)
	}
	for _, list := range claimed {
		for _, o := range list {
			if r.Address < o.end() && o.region.Address < c.end() {
				return fmt.Errorf("%w: MMIO 0x%x-0x%x of %q overlaps 0x%x-0x%x of %q", ErrConflict,
					r.Address, c.end()-1, c.owner, o.region.Address, o.end()-1, o.owner)
			}
		}
	}
	return nil
}

// Build freezes the claims into a Chipset. Devices are initialized and
// driven through their lifecycle in name order.
func (b *Builder) Build() *Chipset {
	devices := slices.Clone(b.devices)
	sort.Slice(devices, func(i, j int) bool { return devices[i].name < devices[j].name })

	mmio := slices.Clone(b.mmio)
	sort.Slice(mmio, func(i, j int) bool { return mmio[i].region.Address < mmio[j].region.Address })

	ports := make(map[uint16]portClaim, len(b.ports))
	for port, c := range b.ports {
		ports[port] = c
	}

	return &Chipset{
		devices: devices,
		ports:   ports,
		mmio:    mmio,
		polls:   slices.Clone(b.polls),
	}
}

// Chipset is the frozen dispatch table of a machine's devices. Accesses
// are serialized by the control plane lock.
type Chipset struct {
	devices []namedDevice
	ports   map[uint16]portClaim
	mmio    []mmioClaim
	polls   []PollHandler
}
