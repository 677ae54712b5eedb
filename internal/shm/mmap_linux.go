// +build linux

package shm

import "golang.org/x/sys/unix"

// Anonymous shared mapping; survives fork and may be handed to a component
// running in the same process or a child.
func mapShared(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
}

func unmapShared(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
