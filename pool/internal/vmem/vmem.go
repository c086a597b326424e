// Package vmem wraps the page-granular anonymous memory primitives of the host OS. Regions
// handed out by Map are readable, writable, zero-filled, and private to the process.
package vmem

import "os"

// PageSize returns the OS page size in bytes.
func PageSize() int {
	return os.Getpagesize()
}
