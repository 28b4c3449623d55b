//go:build unix

package jit

import (
	"golang.org/x/sys/unix"
)

func mapCode(size int) ([]byte, error) {
	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err == nil {
		return buffer, nil
	}
	// Hardened kernels refuse writable+executable mappings.
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func unmapCode(buffer []byte) error {
	return unix.Munmap(buffer)
}
