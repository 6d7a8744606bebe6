// Package vulkan provides a vam.Backend that places every arena in its own vulkan buffer, bound to
// a dedicated device memory allocation, and paces frames with vulkan fences.
package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/pacer"
	"github.com/vkngwrapper/framealloc/vam"
	"github.com/vkngwrapper/framealloc/vam/internal/vulkan"
	"golang.org/x/exp/slog"
)

// MemoryCallbackOptions are optional callbacks that are executed when the backend allocates or
// frees device memory
type MemoryCallbackOptions struct {
	Allocate func(memoryType int, memory core1_0.DeviceMemory, size int, userData interface{})
	Free     func(memoryType int, memory core1_0.DeviceMemory, size int, userData interface{})
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
}

func (c *memoryCallbacks) Allocate(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.Callbacks.Free != nil {
		c.Callbacks.Free(memoryType, memory, size, c.Callbacks.UserData)
	}
}

// CreateOptions contains optional settings when creating a backend
type CreateOptions struct {
	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on memory
	// created from this backend
	VulkanCallbacks *driver.AllocationCallbacks
	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// is allocated or freed by the backend
	MemoryCallbackOptions *MemoryCallbackOptions
	// HeapSizeLimits is optional. If provided, it must have one entry per memory heap of the
	// physical device. A nonzero entry caps the bytes the backend will allocate from that heap.
	HeapSizeLimits []int
	// ExtraBufferUsage is OR'd into the usage of every buffer created for an arena of the indexed kind
	ExtraBufferUsage [vam.ArenaKindCount]core1_0.BufferUsageFlags
}

// Backend creates arena buffers and frame fences on a single device
type Backend struct {
	logger       *slog.Logger
	device       core1_0.Device
	callbacks    *driver.AllocationCallbacks
	deviceMemory *vulkan.DeviceMemoryProperties
	extraUsage   [vam.ArenaKindCount]core1_0.BufferUsageFlags
}

var _ vam.Backend = &Backend{}

// New creates a Backend for the provided device
func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options CreateOptions) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var callbacks vulkan.MemoryCallbacks
	if options.MemoryCallbackOptions != nil {
		callbacks = &memoryCallbacks{Callbacks: options.MemoryCallbackOptions}
	}

	deviceMemory, err := vulkan.NewDeviceMemoryProperties(
		options.VulkanCallbacks,
		callbacks,
		device,
		physicalDevice,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	return &Backend{
		logger:       logger,
		device:       device,
		callbacks:    options.VulkanCallbacks,
		deviceMemory: deviceMemory,
		extraUsage:   options.ExtraBufferUsage,
	}, nil
}

// CreateArena creates a buffer for the arena, then allocates and binds device memory for it.
// Host-visible memory is mapped for the lifetime of the arena.
func (b *Backend) CreateArena(info vam.ArenaCreateInfo) (native vam.NativeArena, err error) {
	b.logger.Debug("Backend::CreateArena", slog.String("Name", info.Name), slog.String("Kind", info.Kind.String()))

	usage := BufferUsage(info.Kind) | b.extraUsage[info.Kind]
	buffer, res, err := b.device.CreateBuffer(b.callbacks, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(MapResult(res, err), "failed to create the buffer for arena %q", info.Name)
	}
	defer func() {
		if err != nil {
			buffer.Destroy(b.callbacks)
		}
	}()

	requirements := buffer.MemoryRequirements()
	preferences := MemoryPreferencesForKind(info.Kind, b.deviceMemory.IsIntegratedGPU())
	memoryTypeIndex, err := b.deviceMemory.FindMemoryTypeIndex(
		requirements.MemoryTypeBits,
		preferences.Required,
		preferences.Preferred,
		preferences.NotPreferred,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "no memory type can hold arena %q", info.Name)
	}

	memory, err := b.deviceMemory.AllocateVulkanMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes for arena %q", requirements.Size, info.Name)
	}
	defer func() {
		if err != nil {
			b.deviceMemory.FreeVulkanMemory(memoryTypeIndex, requirements.Size, memory)
		}
	}()

	res, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		return nil, errors.Wrapf(MapResult(res, err), "failed to bind memory for arena %q", info.Name)
	}

	arena := &Arena{
		backend:         b,
		name:            info.Name,
		buffer:          buffer,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		size:            info.Size,
		allocationSize:  requirements.Size,
		nonCoherent:     b.deviceMemory.IsMemoryTypeHostNonCoherent(memoryTypeIndex),
	}

	if b.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&core1_0.MemoryPropertyHostVisible != 0 {
		arena.mappedData, res, err = memory.Map(0, common.WholeSize, 0)
		if err != nil {
			return nil, errors.Wrapf(MapResult(res, err), "failed to map memory for arena %q", info.Name)
		}
	}

	return arena, nil
}

// CreateFence creates an unsignaled fence for one frame slot
func (b *Backend) CreateFence(slot int) (pacer.Fence, error) {
	fence, res, err := b.device.CreateFence(b.callbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, errors.Wrapf(MapResult(res, err), "failed to create the fence for frame slot %d", slot)
	}

	return &Fence{fence: fence, callbacks: b.callbacks}, nil
}

// MinAlignment returns the alignment arenas in the memory type need for their suballocations to be
// flushed independently
func (b *Backend) MinAlignment(memoryTypeIndex int) uint {
	return b.deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex)
}

// HeapStatistics reports the device memory the backend has allocated from one heap
func (b *Backend) HeapStatistics(heapIndex int, stats *memutils.Statistics) {
	b.deviceMemory.HeapStatistics(heapIndex, stats)
}

// MapResult marks a failed vulkan call's error with the matching memutils sentinel
func MapResult(res common.VkResult, err error) error {
	return vulkan.MapResult(res, err)
}
