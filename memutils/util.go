package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns a wrap of PowerOfTwoError when number is zero or not a power of two. The
// name parameter is included in the error message.
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment. Alignment must be a power
// of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment. Alignment must be a power
// of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// RoundUpToMultiple rounds value up to the nearest whole multiple of the provided unit, which
// does not need to be a power of two. A value that is already a multiple is returned unchanged.
func RoundUpToMultiple(value int, unit int) int {
	remainder := value % unit
	if remainder == 0 {
		return value
	}
	return value - remainder + unit
}
