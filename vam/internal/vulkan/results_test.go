package vulkan

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framealloc/memutils"
)

func TestMapResult(t *testing.T) {
	testCases := map[string]struct {
		result   common.VkResult
		sentinel error
	}{
		"OutOfDeviceMemory": {result: core1_0.VKErrorOutOfDeviceMemory, sentinel: memutils.ErrOutOfDeviceMemory},
		"OutOfHostMemory":   {result: core1_0.VKErrorOutOfHostMemory, sentinel: memutils.ErrOutOfHostMemory},
		"TooManyObjects":    {result: core1_0.VKErrorTooManyObjects, sentinel: memutils.ErrTooManyLiveObjects},
		"DeviceLost":        {result: core1_0.VKErrorDeviceLost, sentinel: memutils.ErrDeviceLost},
		"FeatureNotPresent": {result: core1_0.VKErrorFeatureNotPresent, sentinel: memutils.ErrNoCompatibleMemoryClass},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			original := testCase.result.ToError()

			err := MapResult(testCase.result, original)
			require.True(t, errors.Is(err, testCase.sentinel))
			require.True(t, errors.Is(err, original))
		})
	}
}

func TestMapResultPassesThrough(t *testing.T) {
	require.NoError(t, MapResult(core1_0.VKErrorOutOfDeviceMemory, nil))

	original := errors.New("something else")
	err := MapResult(core1_0.VKErrorUnknown, original)
	require.Equal(t, original, err)
}
