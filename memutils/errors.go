package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvalidArgumentError is the marker error for failures caused by a caller-provided size or
// alignment value
var InvalidArgumentError error = errors.New("invalid argument")

// InvalidOperationError is the marker error for operations that cannot be carried out against
// the allocator's current state, such as freeing a nil or foreign pointer
var InvalidOperationError error = errors.New("invalid operation")

// ResourceAcquisitionError is the marker error for failures to obtain a memory region from the
// operating system
var ResourceAcquisitionError error = errors.New("failed to acquire memory region from the OS")
