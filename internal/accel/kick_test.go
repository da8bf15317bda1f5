package accel

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/nvmm/internal/hv"
	"github.com/tinyrange/nvmm/internal/nvmm/nvmmtest"
)

func TestThreadRegistry(t *testing.T) {
	var r threadRegistry
	a, b := &VCPU{}, &VCPU{}

	r.bind(7, a)
	assert.Same(t, a, r.lookup(7))
	assert.Nil(t, r.lookup(8))

	// a stale unbind must not drop the newer binding
	r.bind(7, b)
	r.unbind(7, a)
	assert.Same(t, b, r.lookup(7))

	r.unbind(7, b)
	assert.Nil(t, r.lookup(7))
}

// TestKickRace kicks a VCPU at random points of its run loop. Every kick
// must end the Exec it races with, whether it lands before the guest
// enters the hypervisor, during the run or while an exit is dispatched.
func TestKickRace(t *testing.T) {
	for _, tt := range []struct {
		name string
		stop bool
	}{
		{"signal", false},
		{"stop", true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, hv.ArchitectureX86_64, tt.stop)

			iterations := 200
			if testing.Short() {
				iterations = 20
			}

			for i := 0; i < iterations; i++ {
				done := make(chan Outcome, 1)
				go func() {
					out, err := f.exec()
					assert.NoError(t, err)
					done <- out
				}()

				time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
				f.v.Kick()

				select {
				case out := <-done:
					require.Equal(t, OutcomeInterrupted, out, "iteration %d", i)
				case <-time.After(5 * time.Second):
					t.Fatalf("iteration %d: kick lost, vcpu still running", i)
				}
				assert.False(t, f.cpu.ExitRequest.Load())
			}
		})
	}
}

func TestKickIdleVCPUSkipsSignal(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)

	f.v.Kick()
	assert.Zero(t, f.kicker.kicks.Load())
	assert.True(t, f.cpu.ExitRequest.Load())

	out, err := f.exec()
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out)
	assert.EqualValues(t, 0, f.fake().Runs())
}

func TestKickIdleVCPUWithStop(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, true)

	f.v.Kick()
	assert.Zero(t, f.kicker.kicks.Load())

	out, err := f.exec()
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out)
	assert.EqualValues(t, 1, f.fake().Runs())
}

func TestKickFromOwnThread(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.kernel.OnRun = func(v *nvmmtest.VCPU) {
		if v.Runs() == 1 {
			f.v.Kick()
		}
	}

	out, err := f.exec()
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, out)
	assert.EqualValues(t, 1, f.kicker.kicks.Load())
}

func TestKickUnboundThread(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64, false)
	f.m.threads.unbind(f.v.tid, f.v)
	f.v.running.Store(true)

	f.v.Kick()
	assert.Zero(t, f.kicker.kicks.Load())
	f.v.running.Store(false)
}

func TestKickWakesWFE(t *testing.T) {
	f := newFixture(t, hv.ArchitectureARM64, false)
	f.v.Kick()

	select {
	case <-f.v.wake:
	default:
		t.Fatal("kick did not post a wake token")
	}
}
