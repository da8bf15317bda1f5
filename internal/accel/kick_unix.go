//go:build linux || netbsd

package accel

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	kickSignalOnce sync.Once
	kicksReceived  atomic.Uint64
)

// installKickSignal routes SIGUSR1 to a drain goroutine so the default
// action never terminates the process. The interruption of the blocking
// run is the only effect the kick needs.
func installKickSignal() {
	kickSignalOnce.Do(func() {
		ch := make(chan os.Signal, 64)
		signal.Notify(ch, unix.SIGUSR1)
		go func() {
			for range ch {
				kicksReceived.Add(1)
			}
		}()
	})
}
