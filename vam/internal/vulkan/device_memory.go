package vulkan

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/framealloc/memutils"
)

// MemoryCallbacks is notified whenever device memory is allocated or freed
type MemoryCallbacks interface {
	Allocate(memoryType int, memory core1_0.DeviceMemory, size int)
	Free(memoryType int, memory core1_0.DeviceMemory, size int)
}

// DeviceMemoryProperties wraps a device's memory properties and tracks the device memory
// allocations made through it, so that the device's allocation count limit and any heap size
// limits are honored
type DeviceMemoryProperties struct {
	// Number of device memory allocations made from each heap
	blockCount [common.MaxMemoryHeaps]int32
	// Size of device memory allocations made from each heap
	blockBytes [common.MaxMemoryHeaps]int64

	allocationCallbacks *driver.AllocationCallbacks
	memoryCallbacks     MemoryCallbacks
	memoryCount         uint32
	heapLimits          []int

	device           core1_0.Device
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewDeviceMemoryProperties(
	allocationCallbacks *driver.AllocationCallbacks,
	memoryCallbacks MemoryCallbacks,
	device core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceProperties := &DeviceMemoryProperties{
		allocationCallbacks: allocationCallbacks,
		memoryCallbacks:     memoryCallbacks,
		device:              device,
	}

	var err error
	deviceProperties.deviceProperties, err = physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	deviceProperties.memoryProperties = physicalDevice.MemoryProperties()

	err = memutils.CheckPow2(deviceProperties.deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := deviceProperties.MemoryHeapCount()
	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, errors.Newf("%d heap size limits were provided, but the physical device has %d heaps",
			len(heapSizeLimits), heapCount)
	}

	deviceProperties.heapLimits = heapSizeLimits

	return deviceProperties, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) DeviceProperties() *core1_0.PhysicalDeviceProperties {
	return m.deviceProperties
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// MemoryTypeMinimumAlignment is the alignment suballocations of the memory type need so that
// flushes and invalidations of one never touch another
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		alignment := uint(m.deviceProperties.Limits.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *DeviceMemoryProperties) IsIntegratedGPU() bool {
	return m.deviceProperties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU
}

// FindMemoryTypeIndex picks the memory type allowed by memoryTypeBits that has every required flag
// and the fewest preference misses. Each preferred flag the type lacks and each not-preferred flag it
// has costs one. A type with no misses is returned immediately.
func (m *DeviceMemoryProperties) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	requiredFlags, preferredFlags, notPreferredFlags core1_0.MemoryPropertyFlags,
) (int, error) {
	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < m.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := m.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(memutils.ErrNoCompatibleMemoryClass,
			"no memory type in bits %#b has the required flags %s", memoryTypeBits, requiredFlags)
	}

	return bestMemoryTypeIndex, nil
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Wrapf(memutils.ErrOutOfDeviceMemory, "heap %d is limited to %d bytes, and %d are in use",
				heapIndex, maxAllocatable, currentVal)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateVulkanMemory allocates device memory, failing with memutils.ErrTooManyAllocationChunks if
// the device's allocation count limit would be exceeded and memutils.ErrOutOfDeviceMemory if the
// heap's size limit would be exceeded
func (m *DeviceMemoryProperties) AllocateVulkanMemory(
	allocateInfo core1_0.MemoryAllocateInfo,
) (mem core1_0.DeviceMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if int(newDeviceCount) > m.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, errors.Wrapf(memutils.ErrTooManyAllocationChunks,
			"the device allows %d memory allocations", m.deviceProperties.Limits.MaxMemoryAllocationCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(allocateInfo.MemoryTypeIndex)
	heapLimit := 0
	if len(m.heapLimits) > 0 {
		heapLimit = m.heapLimits[heapIndex]
	}

	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, allocateInfo.AllocationSize)
	} else {
		maxSize := heapLimit
		heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
		if heapSize < maxSize {
			maxSize = heapSize
		}
		err = m.addBlockAllocationWithBudget(heapIndex, allocateInfo.AllocationSize, maxSize)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, allocateInfo.AllocationSize)
		}
	}()

	mem, res, err := m.device.AllocateMemory(m.allocationCallbacks, allocateInfo)
	if err != nil {
		return nil, MapResult(res, err)
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(
			allocateInfo.MemoryTypeIndex,
			mem,
			allocateInfo.AllocationSize,
		)
	}

	return mem, nil
}

func (m *DeviceMemoryProperties) FreeVulkanMemory(memoryType int, size int, memory core1_0.DeviceMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(
			memoryType,
			memory,
			size,
		)
	}

	memory.Free(m.allocationCallbacks)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// HeapStatistics reports the device memory allocated from one heap
func (m *DeviceMemoryProperties) HeapStatistics(heapIndex int, stats *memutils.Statistics) {
	stats.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
	stats.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
}

func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
