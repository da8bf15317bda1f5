package machine

import "github.com/tinyrange/nvmm/internal/chipset"

// The helpers below make host side accesses, which devices see without an
// accessing CPU.

func hostOut(dev chipset.PortIOHandler, port uint16, data []byte) error {
	return dev.HandlePortIO(&chipset.Access{Addr: uint64(port), Data: data, Write: true})
}

func hostIn(dev chipset.PortIOHandler, port uint16, data []byte) error {
	return dev.HandlePortIO(&chipset.Access{Addr: uint64(port), Data: data})
}

func hostStore(dev chipset.MmioHandler, addr uint64, data []byte) error {
	return dev.HandleMMIO(&chipset.Access{Addr: addr, Data: data, Write: true})
}

func hostLoad(dev chipset.MmioHandler, addr uint64, data []byte) error {
	return dev.HandleMMIO(&chipset.Access{Addr: addr, Data: data})
}
