package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfDeviceMemory is returned when the device could not supply backing memory for an arena
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrOutOfHostMemory is returned when host-side allocations needed by the backend failed
	ErrOutOfHostMemory = errors.New("out of host memory")
	// ErrNoCompatibleMemoryClass is returned when no memory type satisfies an arena's requirements
	ErrNoCompatibleMemoryClass = errors.New("no compatible memory class")
	// ErrTooManyLiveObjects is returned when the backend refuses to create more native objects
	ErrTooManyLiveObjects = errors.New("too many live objects")
	// ErrTooManyAllocationChunks is returned when the device allocation count or a chunk pool is exhausted
	ErrTooManyAllocationChunks = errors.New("too many allocation chunks")
	// ErrOutOfSpace is returned when no free range in an arena can hold a request, regardless of the
	// number of free bytes in total
	ErrOutOfSpace = errors.New("out of space")

	// ErrDeviceLost is returned when waiting on a completion signal failed. It is not recoverable.
	ErrDeviceLost = errors.New("device lost")
	// ErrInvalidSize is returned for allocation requests of zero or negative size
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrInvalidFree is returned when freeing a range that is unknown or already free
	ErrInvalidFree = errors.New("invalid free")
	// ErrInvalidHandle is returned when a handle does not belong to an arena that can service the request
	ErrInvalidHandle = errors.New("invalid handle")
)
