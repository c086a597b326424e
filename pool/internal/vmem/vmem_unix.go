//go:build unix

package vmem

import "golang.org/x/sys/unix"

// Map obtains an anonymous private read/write mapping of size bytes at an OS-chosen address.
func Map(size int) ([]byte, error) {
	return unix.Mmap(
		-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

// Unmap releases a region previously returned by Map.
func Unmap(region []byte) error {
	return unix.Munmap(region)
}
