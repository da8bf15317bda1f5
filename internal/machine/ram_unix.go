//go:build unix

package machine

import "golang.org/x/sys/unix"

// allocateRAM maps anonymous memory so guest RAM is page aligned and
// outside the Go heap.
func allocateRAM(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeRAM(b []byte) error {
	return unix.Munmap(b)
}
