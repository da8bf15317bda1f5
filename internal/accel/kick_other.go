//go:build !linux && !netbsd

package accel

// Without a way to signal a single thread the stop flag is the only kick.
type platformKicker struct{}

func (platformKicker) CurrentThread() int   { return 0 }
func (platformKicker) KickThread(int) error { return nil }

func installKickSignal() {}
