package accel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type platformKicker struct{}

func (platformKicker) CurrentThread() int { return unix.Gettid() }

func (platformKicker) KickThread(tid int) error {
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("nvmm: tgkill %d: %w", tid, err)
	}
	return nil
}
