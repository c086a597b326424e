//go:build windows

package vmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// Map obtains an anonymous committed read/write region of size bytes at an OS-chosen address.
func Map(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(
		0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// Unmap releases a region previously returned by Map.
func Unmap(region []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&region[0])), 0, windows.MEM_RELEASE)
}
