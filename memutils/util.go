package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp returns the smallest multiple of alignment that is greater than or equal to value.
// Alignments of 0 and 1 leave the value untouched. Power-of-two alignments take a mask fast
// path; any other alignment is rounded with a modulus.
func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}

	if alignment&(alignment-1) == 0 {
		return (value + int(alignment) - 1) & int(^(alignment - 1))
	}

	remainder := value % int(alignment)
	if remainder == 0 {
		return value
	}
	return value + int(alignment) - remainder
}

// AlignDown returns the largest multiple of alignment that is less than or equal to value.
func AlignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}

	if alignment&(alignment-1) == 0 {
		return value & int(^(alignment - 1))
	}

	return value - value%int(alignment)
}

// MaxAlignment returns whichever of the two alignments is larger, treating 0 as 1
func MaxAlignment(first, second uint) uint {
	if first < 1 {
		first = 1
	}
	if second > first {
		return second
	}
	return first
}
