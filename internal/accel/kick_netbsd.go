package accel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type platformKicker struct{}

func (platformKicker) CurrentThread() int {
	lid, _, _ := unix.RawSyscall(unix.SYS__LWP_SELF, 0, 0, 0)
	return int(lid)
}

func (platformKicker) KickThread(tid int) error {
	if _, _, errno := unix.Syscall(unix.SYS__LWP_KILL, uintptr(tid), uintptr(unix.SIGUSR1), 0); errno != 0 {
		return fmt.Errorf("nvmm: _lwp_kill %d: %w", tid, errno)
	}
	return nil
}
