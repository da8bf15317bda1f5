package machine

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/nvmm/internal/hv"
)

const (
	DefaultMemoryMB = 64
	DefaultCPUs     = 1

	// Reset policies for BootConfig.OnReset.
	OnResetExit   = "exit"
	OnResetReboot = "reboot"
)

// Guest-physical layout. x86 RAM starts at 0; AArch64 RAM starts at 1 GiB
// with the system device below it.
const (
	x86RAMBase       = 0
	x86DefaultLoad   = 0x7C00
	x86RealModeLimit = 1 << 20
	x86MMIOBase      = 0xC000_0000

	arm64RAMBase       = 0x4000_0000
	arm64DefaultLoad   = 0x4008_0000
	arm64MMIOBase      = 0x0A00_0000
	arm64SysDeviceBase = 0x0900_0000
	arm64SysDeviceSize = 0x1000
)

// AArch64 CPU identity and boot state.
const (
	arm64DefaultCNTFRQ = 62_500_000
	arm64DefaultMIDR   = 0x410F_D083
	arm64MPIDRRES1     = 1 << 31
	arm64BootPState    = 0x3C5 // EL1h, DAIF masked
)

const (
	maxCPUs     = 64
	maxMemoryMB = 1 << 16
	maxTimerHz  = 10_000
)

// Config describes a machine: its CPUs, memory and the flat binary it
// boots.
type Config struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	Arch    string `yaml:"arch"`

	CPUs     int    `yaml:"cpus,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	// TimerHz is the rate of the system device's periodic interrupt. Zero
	// disables it.
	TimerHz int `yaml:"timerHz,omitempty"`

	Boot   BootConfig   `yaml:"boot"`
	Output OutputConfig `yaml:"output,omitempty"`
}

type BootConfig struct {
	Image       string `yaml:"image"`
	LoadAddress uint64 `yaml:"loadAddress,omitempty"`
	Entry       uint64 `yaml:"entry,omitempty"`
	OnReset     string `yaml:"onReset,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
}

type OutputConfig struct {
	Trace     string `yaml:"trace,omitempty"`
	Timeslice string `yaml:"timeslice,omitempty"`
}

// HostArchitecture maps the Go architecture to a guest architecture.
func HostArchitecture() hv.CpuArchitecture {
	switch runtime.GOARCH {
	case "amd64":
		return hv.ArchitectureX86_64
	case "arm64":
		return hv.ArchitectureARM64
	default:
		return hv.ArchitectureInvalid
	}
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Name == "" {
		c.Name = "nvmm"
	}
	if c.Arch == "" {
		c.Arch = string(HostArchitecture())
	}
	if c.Arch == "amd64" {
		c.Arch = string(hv.ArchitectureX86_64)
	}
	if c.Arch == "aarch64" {
		c.Arch = string(hv.ArchitectureARM64)
	}
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.Boot.LoadAddress == 0 {
		switch c.Architecture() {
		case hv.ArchitectureX86_64:
			c.Boot.LoadAddress = x86DefaultLoad
		case hv.ArchitectureARM64:
			c.Boot.LoadAddress = arm64DefaultLoad
		}
	}
	if c.Boot.Entry == 0 {
		c.Boot.Entry = c.Boot.LoadAddress
	}
	if c.Boot.OnReset == "" {
		c.Boot.OnReset = OnResetExit
	}
}

// Architecture returns the guest architecture.
func (c *Config) Architecture() hv.CpuArchitecture {
	switch hv.CpuArchitecture(c.Arch) {
	case hv.ArchitectureX86_64, hv.ArchitectureARM64:
		return hv.CpuArchitecture(c.Arch)
	default:
		return hv.ArchitectureInvalid
	}
}

// RAMBase returns the guest-physical address of the first byte of RAM.
func (c *Config) RAMBase() uint64 {
	if c.Architecture() == hv.ArchitectureARM64 {
		return arm64RAMBase
	}
	return x86RAMBase
}

// RAMSize returns the size of guest RAM in bytes.
func (c *Config) RAMSize() uint64 { return c.MemoryMB << 20 }

// TimeoutDuration returns the parsed boot timeout, or zero.
func (c *Config) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Boot.Timeout)
	return d
}

func (c *Config) validate() error {
	if c.Architecture() == hv.ArchitectureInvalid {
		return fmt.Errorf("unsupported architecture %q", c.Arch)
	}
	if c.CPUs < 1 || c.CPUs > maxCPUs {
		return fmt.Errorf("cpus must be between 1 and %d, got %d", maxCPUs, c.CPUs)
	}
	if c.MemoryMB > maxMemoryMB {
		return fmt.Errorf("memoryMB must be at most %d, got %d", maxMemoryMB, c.MemoryMB)
	}
	if c.TimerHz < 0 || c.TimerHz > maxTimerHz {
		return fmt.Errorf("timerHz must be between 0 and %d, got %d", maxTimerHz, c.TimerHz)
	}

	base, size := c.RAMBase(), c.RAMSize()
	if c.Boot.LoadAddress < base || c.Boot.LoadAddress >= base+size {
		return fmt.Errorf("load address 0x%x outside RAM [0x%x-0x%x)", c.Boot.LoadAddress, base, base+size)
	}
	if c.Boot.Entry < base || c.Boot.Entry >= base+size {
		return fmt.Errorf("entry 0x%x outside RAM [0x%x-0x%x)", c.Boot.Entry, base, base+size)
	}
	if c.Architecture() == hv.ArchitectureX86_64 && c.Boot.Entry >= x86RealModeLimit {
		return fmt.Errorf("entry 0x%x not reachable in real mode", c.Boot.Entry)
	}

	switch c.Boot.OnReset {
	case OnResetExit, OnResetReboot:
	default:
		return fmt.Errorf("onReset must be %q or %q, got %q", OnResetExit, OnResetReboot, c.Boot.OnReset)
	}
	if c.Boot.Timeout != "" {
		if _, err := time.ParseDuration(c.Boot.Timeout); err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
	}
	return nil
}

// Normalize fills defaults and validates the result.
func (c *Config) Normalize() error {
	c.normalize()
	return c.validate()
}

// ParseConfig decodes a YAML machine description.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse machine config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, fmt.Errorf("invalid machine config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML machine description from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// WriteConfig writes cfg as YAML, filling defaults first.
func WriteConfig(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
