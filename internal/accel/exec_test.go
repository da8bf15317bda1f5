package accel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/exittrace"
	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm"
	"github.com/tinyrange/nvmm/internal/nvmm/nvmmtest"
)

func memoryExit(gpa uint64, insn ...byte) nvmm.Exit {
	e := exitWith(nvmm.ExitMemory)
	mem := e.Memory()
	mem.GPA = gpa
	mem.Prot = nvmm.ProtWrite
	mem.InstLen = uint8(copy(mem.InstBytes[:], insn))
	return e
}

func TestExecHaltedDoesNotRun(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.cpu.SetHalted(true)
	f.cpu.ExitRequest.Store(true)

	out, err := f.exec()
	require.NoError(t, err)
	assert.Equal(t, OutcomeHalted, out)
	assert.Equal(t, hv.ExceptionHalted, f.cpu.ExceptionIndex)
	assert.False(t, f.cpu.ExitRequest.Load())
	assert.EqualValues(t, 0, f.fake().Runs())
}

func TestExecMemoryExitAssistsOnce(t *testing.T) {
	for _, fail := range []bool{false, true} {
		name := "success"
		if fail {
			name = "failure"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, hv.ArchitectureX86_64, false)
			if fail {
				f.kernel.FailAssistMem = nvmmtest.ErrInjected
			}

			// the register file is modified behind the loop's back while
			// the guest runs; the assist result must win
			f.kernel.OnRun = func(v *nvmmtest.VCPU) {
				if v.Runs() == 1 {
					f.v.dirty = true
				}
			}
			f.kernel.Script(0,
				memoryExit(0xDEAD_0000, 0x89, 0x07),
				exitWith(nvmm.ExitHalted),
			)

			out, err := f.exec()
			require.NoError(t, err)
			assert.Equal(t, OutcomeHalted, out)
			assert.False(t, f.v.Dirty())

			if fail {
				assert.Empty(t, f.plane.memGPAs)
			} else {
				assert.Equal(t, []uint64{0xDEAD_0000}, f.plane.memGPAs)
				assert.Equal(t, []*hv.CPU{f.cpu}, f.plane.accessor)
			}

			var sets int
			for _, c := range f.kernel.StateCalls() {
				if c.Set && c.Cats == x64StateCodec {
					sets++
				}
			}
			assert.Equal(t, 1, sets, "state pushed again after the assist")
		})
	}
}

func TestExecUnknownExitCrashesOnce(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.cpu.X86.RIP = 0x7C00

	bad := exitWith(nvmm.ExitInvalid)
	bad.Invalid().HWCode = 0x21
	f.kernel.Script(0, bad, exitWith(nvmm.ExitHalted))

	out, err := f.exec()
	assert.Equal(t, OutcomeError, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hv.ErrGuestCrashed))

	var info hv.CrashInfo
	require.True(t, errors.As(err, &info))
	assert.Equal(t, 0, info.CPU)
	assert.Contains(t, info.Reason, "hwcode 0x21")
	assert.Contains(t, info.Dump, "RIP")

	require.Len(t, f.plane.panics, 1)
	assert.Equal(t, info, f.plane.panics[0])
	assert.EqualValues(t, 1, f.fake().Runs())
	assert.Equal(t, uint64(0x7C00), f.cpu.X86.RIP)
}

func TestExecRunFailure(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.kernel.FailRun = nvmmtest.ErrInjected

	out, err := f.exec()
	assert.Equal(t, OutcomeError, out)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.ErrorIs(t, err, nvmmtest.ErrInjected)
	assert.Empty(t, f.plane.panics)
}

func TestExecShutdownRequestsReset(t *testing.T) {
	f := newFixture(t, hv.ArchitectureARM64, false)
	f.kernel.Script(0, exitWith(nvmm.ExitShutdown))

	out, err := f.exec()
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out)
	assert.Equal(t, hv.ExceptionInterrupt, f.cpu.ExceptionIndex)
	assert.Equal(t, []hv.ShutdownCause{hv.ShutdownCauseGuestReset}, f.plane.resets)
}

func TestExecNoneExitsLoop(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.kernel.Script(0,
		exitWith(nvmm.ExitNone),
		exitWith(nvmm.ExitNone),
		exitWith(nvmm.ExitNone),
		exitWith(nvmm.ExitHalted),
	)

	out, err := f.exec()
	require.NoError(t, err)
	assert.Equal(t, OutcomeHalted, out)
	assert.EqualValues(t, 4, f.fake().Runs())
}

func TestExecStoppedExitInterrupts(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, true)
	f.kernel.Script(0, exitWith(nvmm.ExitStopped), exitWith(nvmm.ExitHalted))

	out, err := f.exec()
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out)
	assert.EqualValues(t, 1, f.fake().Runs())
}

func TestExecPushesOnlyWhenDirty(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	require.True(t, f.v.Dirty())

	f.kernel.Script(0, exitWith(nvmm.ExitHalted))
	_, err := f.exec()
	require.NoError(t, err)
	assert.False(t, f.v.Dirty())

	f.kernel.ResetCalls()
	f.cpu.SetHalted(false)
	f.kernel.Script(0, exitWith(nvmm.ExitHalted))
	_, err = f.exec()
	require.NoError(t, err)

	for _, c := range f.kernel.StateCalls() {
		assert.False(t, c.Set && c.Cats == x64StateCodec, "unexpected push")
	}

	f.v.SynchronizePostReset()
	calls := f.kernel.StateCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, x64StateCodec, calls[len(calls)-1].Cats)
	assert.False(t, f.v.Dirty())

	f.v.SynchronizePreLoadVM()
	assert.True(t, f.v.Dirty())
}

func TestExecTracesExits(t *testing.T) {
	var buf exittrace.Buffer
	require.NoError(t, exittrace.Open(&buf))
	t.Cleanup(func() { exittrace.Close() })

	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.kernel.Script(0, memoryExit(0xFEE0_0300), exitWith(nvmm.ExitHalted))

	_, err := f.exec()
	require.NoError(t, err)
	require.NoError(t, exittrace.Close())

	data := buf.Bytes()
	r, err := exittrace.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var recs []exittrace.Record
	require.NoError(t, r.Search(exittrace.SearchOptions{}, func(rec exittrace.Record) error {
		recs = append(recs, rec)
		return nil
	}))
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(nvmm.ExitMemory), recs[0].Reason)
	assert.Equal(t, uint64(0xFEE0_0300), recs[0].Detail)
	assert.Equal(t, uint32(outcomeContinue), recs[0].Outcome)
	assert.Equal(t, uint64(nvmm.ExitHalted), recs[1].Reason)
	assert.Equal(t, uint32(OutcomeHalted), recs[1].Outcome)
}

func TestExitDetail(t *testing.T) {
	mon := exitWith(nvmm.ExitMonitor)
	mon.Insn().NPC = 0x7C03
	assert.Equal(t, uint64(0x7C03), exitDetail(hv.ArchitectureX86_64, &mon))

	wr := exitWith(nvmm.ExitWRMSR)
	wr.WRMSR().MSR = msrAPICBase
	assert.Equal(t, uint64(msrAPICBase), exitDetail(hv.ArchitectureX86_64, &wr))

	sr := exitWith(nvmm.ExitSysReg)
	sr.SysReg().Encoding = sysregMPIDR
	assert.Equal(t, uint64(sysregMPIDR), exitDetail(hv.ArchitectureARM64, &sr))
	assert.Zero(t, exitDetail(hv.ArchitectureX86_64, &sr))
}

func TestDisassemble(t *testing.T) {
	assert.Contains(t, disassemble(hv.ArchitectureX86_64, []byte{0x89, 0x07}), "mov")
	assert.Contains(t, disassemble(hv.ArchitectureARM64, []byte{0x1f, 0x20, 0x03, 0xd5}), "nop")
	assert.Equal(t, "<no instruction bytes>", disassemble(hv.ArchitectureX86_64, nil))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "halted", OutcomeHalted.String())
	assert.Equal(t, "interrupted", OutcomeInterrupted.String())
	assert.Equal(t, "error", OutcomeError.String())
	assert.Equal(t, "Outcome(42)", Outcome(42).String())
}
