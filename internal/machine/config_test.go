package machine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/hv"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("arch: x86_64\nboot:\n  image: boot.bin\n"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "nvmm", cfg.Name)
	assert.Equal(t, hv.ArchitectureX86_64, cfg.Architecture())
	assert.Equal(t, DefaultCPUs, cfg.CPUs)
	assert.Equal(t, uint64(DefaultMemoryMB), cfg.MemoryMB)
	assert.Equal(t, uint64(x86DefaultLoad), cfg.Boot.LoadAddress)
	assert.Equal(t, cfg.Boot.LoadAddress, cfg.Boot.Entry)
	assert.Equal(t, OnResetExit, cfg.Boot.OnReset)
	assert.Zero(t, cfg.TimeoutDuration())
}

func TestParseConfigAArch64(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
arch: aarch64
cpus: 4
memoryMB: 128
timerHz: 100
boot:
  image: Image
  onReset: reboot
  timeout: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, hv.ArchitectureARM64, cfg.Architecture())
	assert.Equal(t, uint64(arm64RAMBase), cfg.RAMBase())
	assert.Equal(t, uint64(128<<20), cfg.RAMSize())
	assert.Equal(t, uint64(arm64DefaultLoad), cfg.Boot.Entry)
	assert.Equal(t, 30*time.Second, cfg.TimeoutDuration())
}

func TestParseConfigRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"arch":          "arch: riscv64\n",
		"cpus":          "arch: x86_64\ncpus: 65\n",
		"timer":         "arch: x86_64\ntimerHz: -1\n",
		"real mode":     "arch: x86_64\nmemoryMB: 4\nboot:\n  entry: 0x200000\n",
		"outside RAM":   "arch: arm64\nboot:\n  loadAddress: 0x1000\n",
		"reset policy":  "arch: x86_64\nboot:\n  onReset: halt\n",
		"timeout":       "arch: x86_64\nboot:\n  timeout: soon\n",
		"invalid yaml":  "arch: [x86_64\n",
		"memory limit":  "arch: x86_64\nmemoryMB: 1000000\n",
		"unknown value": "arch: x86_64\ncpus: many\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWriteConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, WriteConfig(path, Config{Arch: "amd64", Boot: BootConfig{Image: "boot.bin"}}))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, hv.ArchitectureX86_64, cfg.Architecture())
	assert.Equal(t, "boot.bin", cfg.Boot.Image)
	assert.Equal(t, uint64(x86DefaultLoad), cfg.Boot.Entry)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
