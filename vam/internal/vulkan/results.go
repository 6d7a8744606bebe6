package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framealloc/memutils"
)

var resultMapping = map[common.VkResult]error{
	core1_0.VKErrorOutOfDeviceMemory:  memutils.ErrOutOfDeviceMemory,
	core1_0.VKErrorOutOfHostMemory:    memutils.ErrOutOfHostMemory,
	core1_0.VKErrorTooManyObjects:     memutils.ErrTooManyLiveObjects,
	core1_0.VKErrorDeviceLost:         memutils.ErrDeviceLost,
	core1_0.VKErrorFeatureNotPresent:  memutils.ErrNoCompatibleMemoryClass,
	core1_0.VKErrorFormatNotSupported: memutils.ErrNoCompatibleMemoryClass,
}

// MapResult marks a failed call's error with the memutils sentinel matching its result code, so
// callers can test it with errors.Is. The original error stays in the chain. A nil error is
// returned as nil whatever the result code.
func MapResult(res common.VkResult, err error) error {
	if err == nil {
		return nil
	}

	sentinel, ok := resultMapping[res]
	if !ok {
		return err
	}

	return errors.Mark(err, sentinel)
}
