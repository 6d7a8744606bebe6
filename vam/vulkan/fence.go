package vulkan

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/framealloc/memutils/pacer"
)

// Fence adapts a vulkan fence to pacer.Fence
type Fence struct {
	fence     core1_0.Fence
	callbacks *driver.AllocationCallbacks
}

var _ pacer.Fence = &Fence{}

// VulkanFence is the fence that work submitted for the frame must signal
func (f *Fence) VulkanFence() core1_0.Fence {
	return f.fence
}

// Wait blocks until the fence is signaled. There is no timeout: a frame that never completes is
// reported by the device as lost.
func (f *Fence) Wait() error {
	res, err := f.fence.Wait(time.Duration(math.MaxInt64))
	if err != nil {
		return MapResult(res, err)
	}

	if res != core1_0.VKSuccess {
		return errors.Newf("fence wait returned %s", res)
	}

	return nil
}

// Signaled polls the fence without blocking
func (f *Fence) Signaled() (bool, error) {
	res, err := f.fence.Status()
	if err != nil {
		return false, MapResult(res, err)
	}

	return res == core1_0.VKSuccess, nil
}

func (f *Fence) Reset() error {
	res, err := f.fence.Reset()
	return MapResult(res, err)
}

func (f *Fence) Destroy() {
	f.fence.Destroy(f.callbacks)
}
