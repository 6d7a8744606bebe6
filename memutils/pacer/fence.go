package pacer

//go:generate mockgen -source fence.go -destination ./mocks/fence.go -package mocks

// Fence is the device's completion signal for the work submitted in one frame slot. The work
// submitted for a slot must signal the slot's fence when it finishes executing.
type Fence interface {
	// Wait blocks until the fence is signaled. An error means the device can no longer make
	// progress and is treated as fatal.
	Wait() error
	// Signaled reports whether the fence has been signaled without blocking
	Signaled() (bool, error)
	// Reset returns the fence to the unsignaled state before the slot is reused
	Reset() error
	// Destroy releases the fence. It is called once, at shutdown.
	Destroy()
}

// FenceFactory creates the fence for one frame slot
type FenceFactory func(slot int) (Fence, error)
