package vulkan

import (
	"io"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/droplist"
	"github.com/vkngwrapper/framealloc/vam"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type BackendSetup struct {
	MemoryTypes      []core1_0.MemoryType
	DeviceProperties core1_0.PhysicalDeviceProperties
	Options          CreateOptions
}

var discreteSetup = BackendSetup{
	MemoryTypes: []core1_0.MemoryType{
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
	},
	DeviceProperties: core1_0.PhysicalDeviceProperties{
		DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		Limits: &core1_0.PhysicalDeviceLimits{
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 16,
		},
	},
}

func readyBackend(t *testing.T, ctrl *gomock.Controller, setup BackendSetup) (*mocks.MockDevice, *Backend) {
	device := mocks.NewMockDevice(ctrl)
	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)

	physicalDevice.EXPECT().Properties().Return(&setup.DeviceProperties, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1000000},
		},
	}).AnyTimes()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	backend, err := New(logger, device, physicalDevice, setup.Options)
	require.NoError(t, err)

	return device, backend
}

func TestCreateDeviceLocalArena(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device, backend := readyBackend(t, ctrl, discreteSetup)

	buffer := mocks.NewMockBuffer(ctrl)
	memory := mocks.EasyMockDeviceMemory(ctrl)

	device.EXPECT().CreateBuffer(gomock.Nil(), core1_0.BufferCreateInfo{
		Size:        4000,
		Usage:       core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           4096,
		Alignment:      256,
		MemoryTypeBits: 0b11,
	})
	device.EXPECT().AllocateMemory(gomock.Nil(), core1_0.MemoryAllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)
	buffer.EXPECT().BindBufferMemory(memory, 0).Return(core1_0.VKSuccess, nil)

	native, err := backend.CreateArena(vam.ArenaCreateInfo{
		Name:   "mesh",
		Kind:   vam.ArenaKindGeometry,
		Policy: vam.PolicyFreeList,
		Size:   4000,
	})
	require.NoError(t, err)

	arena := native.(*Arena)
	require.Equal(t, 4000, arena.Size())
	require.Equal(t, 0, arena.MemoryTypeIndex())
	require.Nil(t, arena.MappedData())
	require.True(t, arena.IsHostCoherent())
	require.NoError(t, arena.Flush(0, 100))

	buffer.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())
	arena.Destroy()
}

func TestCreateStagingArenaIsMapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device, backend := readyBackend(t, ctrl, discreteSetup)

	buffer := mocks.NewMockBuffer(ctrl)
	memory := mocks.EasyMockDeviceMemory(ctrl)

	device.EXPECT().CreateBuffer(gomock.Nil(), core1_0.BufferCreateInfo{
		Size:        1024,
		Usage:       core1_0.BufferUsageTransferSrc,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           1024,
		Alignment:      16,
		MemoryTypeBits: 0b11,
	})
	device.EXPECT().AllocateMemory(gomock.Nil(), core1_0.MemoryAllocateInfo{
		AllocationSize:  1024,
		MemoryTypeIndex: 1,
	}).Return(memory, core1_0.VKSuccess, nil)
	buffer.EXPECT().BindBufferMemory(memory, 0).Return(core1_0.VKSuccess, nil)

	data := make([]byte, 1024)
	dataPtr := unsafe.Pointer(&data[0])
	memory.EXPECT().Map(0, common.WholeSize, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)

	native, err := backend.CreateArena(vam.ArenaCreateInfo{
		Name:   "staging",
		Kind:   vam.ArenaKindStaging,
		Policy: vam.PolicyTransient,
		Size:   1024,
	})
	require.NoError(t, err)

	arena := native.(*Arena)
	require.Equal(t, dataPtr, arena.MappedData())

	memory.EXPECT().Unmap()
	buffer.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())
	arena.Destroy()
	require.Nil(t, arena.MappedData())
}

func TestCreateArenaCleansUpAfterBindFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device, backend := readyBackend(t, ctrl, discreteSetup)

	buffer := mocks.NewMockBuffer(ctrl)
	memory := mocks.EasyMockDeviceMemory(ctrl)

	device.EXPECT().CreateBuffer(gomock.Nil(), gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           2048,
		Alignment:      16,
		MemoryTypeBits: 0b01,
	})
	device.EXPECT().AllocateMemory(gomock.Nil(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)
	buffer.EXPECT().BindBufferMemory(memory, 0).
		Return(core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	memory.EXPECT().Free(gomock.Nil())
	buffer.EXPECT().Destroy(gomock.Nil())

	_, err := backend.CreateArena(vam.ArenaCreateInfo{
		Name:   "indices",
		Kind:   vam.ArenaKindIndex,
		Policy: vam.PolicyFreeList,
		Size:   2048,
	})
	require.True(t, errors.Is(err, memutils.ErrOutOfDeviceMemory))
	require.Zero(t, backend.deviceMemory.AllocationCount())
}

func TestCreateArenaWithoutCompatibleMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device, backend := readyBackend(t, ctrl, discreteSetup)

	buffer := mocks.NewMockBuffer(ctrl)
	device.EXPECT().CreateBuffer(gomock.Nil(), gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)

	// Only the device-local type is allowed, but uniforms need host-visible memory
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           256,
		Alignment:      16,
		MemoryTypeBits: 0b01,
	})
	buffer.EXPECT().Destroy(gomock.Nil())

	_, err := backend.CreateArena(vam.ArenaCreateInfo{
		Name:   "uniforms",
		Kind:   vam.ArenaKindUniform,
		Policy: vam.PolicyRing,
		Size:   256,
	})
	require.True(t, errors.Is(err, memutils.ErrNoCompatibleMemoryClass))
}

func TestFence(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device, backend := readyBackend(t, ctrl, discreteSetup)

	vulkanFence := mocks.NewMockFence(ctrl)
	device.EXPECT().CreateFence(gomock.Nil(), core1_0.FenceCreateInfo{}).Return(vulkanFence, core1_0.VKSuccess, nil)

	fence, err := backend.CreateFence(0)
	require.NoError(t, err)
	require.Equal(t, vulkanFence, fence.(*Fence).VulkanFence())

	vulkanFence.EXPECT().Status().Return(core1_0.VKNotReady, nil)
	signaled, err := fence.Signaled()
	require.NoError(t, err)
	require.False(t, signaled)

	vulkanFence.EXPECT().Status().Return(core1_0.VKSuccess, nil)
	signaled, err = fence.Signaled()
	require.NoError(t, err)
	require.True(t, signaled)

	vulkanFence.EXPECT().Wait(gomock.Any()).Return(core1_0.VKSuccess, nil)
	require.NoError(t, fence.Wait())

	vulkanFence.EXPECT().Wait(gomock.Any()).Return(core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError())
	require.True(t, errors.Is(fence.Wait(), memutils.ErrDeviceLost))

	vulkanFence.EXPECT().Reset().Return(core1_0.VKSuccess, nil)
	require.NoError(t, fence.Reset())

	vulkanFence.EXPECT().Destroy(gomock.Nil())
	fence.Destroy()
}

func TestMemoryPreferencesForKind(t *testing.T) {
	uniform := MemoryPreferencesForKind(vam.ArenaKindUniform, false)
	require.Equal(t, core1_0.MemoryPropertyHostVisible, uniform.Required)
	require.NotZero(t, uniform.Preferred&core1_0.MemoryPropertyDeviceLocal)

	integrated := MemoryPreferencesForKind(vam.ArenaKindUniform, true)
	require.Zero(t, integrated.Preferred&core1_0.MemoryPropertyDeviceLocal)

	staging := MemoryPreferencesForKind(vam.ArenaKindStaging, false)
	require.NotZero(t, staging.NotPreferred&core1_0.MemoryPropertyDeviceLocal)

	geometry := MemoryPreferencesForKind(vam.ArenaKindGeometry, false)
	require.Zero(t, geometry.Required)
	require.Equal(t, core1_0.MemoryPropertyDeviceLocal, geometry.Preferred)
}

func TestResourceKinds(t *testing.T) {
	testCases := map[droplist.Kind]Resource{
		droplist.KindImageView:     ImageView{},
		droplist.KindBufferView:    BufferView{},
		droplist.KindDescriptorSet: DescriptorSet{},
		droplist.KindImage:         Image{},
		droplist.KindBuffer:        Buffer{},
		droplist.KindMemory:        Memory{},
	}

	for kind, resource := range testCases {
		require.Equal(t, kind, resource.Kind())
	}
}

func TestDeferredResourcesAreDestroyedAfterFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	device, backend := readyBackend(t, ctrl, discreteSetup)

	vulkanFence := mocks.NewMockFence(ctrl)
	device.EXPECT().CreateFence(gomock.Nil(), gomock.Any()).Return(vulkanFence, core1_0.VKSuccess, nil)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := vam.New(logger, backend, vam.CreateOptions{FramesInFlight: 1})
	require.NoError(t, err)

	vulkanFence.EXPECT().Reset().Return(core1_0.VKSuccess, nil)
	token, err := allocator.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, vulkanFence, token.Fence().(*Fence).VulkanFence())

	image := mocks.NewMockImage(ctrl)
	view := mocks.NewMockImageView(ctrl)
	DeferDestroy(allocator, Image{Image: image})
	DeferDestroy(allocator, ImageView{View: view})
	require.NoError(t, allocator.EndFrame(token))

	vulkanFence.EXPECT().Wait(gomock.Any()).Return(core1_0.VKSuccess, nil)
	destroyView := view.EXPECT().Destroy(gomock.Nil())
	image.EXPECT().Destroy(gomock.Nil()).After(destroyView)
	vulkanFence.EXPECT().Destroy(gomock.Nil())

	require.NoError(t, allocator.Destroy())
}
