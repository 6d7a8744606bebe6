package vulkan

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Arena is the buffer and device memory behind one vam arena
type Arena struct {
	backend *Backend
	name    string

	buffer          core1_0.Buffer
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	size            int
	allocationSize  int
	nonCoherent     bool

	mappedData unsafe.Pointer
}

// Size is the size of the buffer in bytes
func (a *Arena) Size() int { return a.size }

// Buffer is the vulkan buffer suballocation offsets refer into
func (a *Arena) Buffer() core1_0.Buffer { return a.buffer }

// Memory is the device memory bound to the buffer at offset 0
func (a *Arena) Memory() core1_0.DeviceMemory { return a.memory }

// MemoryTypeIndex is the memory type the arena's memory was allocated from
func (a *Arena) MemoryTypeIndex() int { return a.memoryTypeIndex }

// MappedData is the host address of offset 0, or nil if the arena is not host-visible
func (a *Arena) MappedData() unsafe.Pointer { return a.mappedData }

// IsHostCoherent is false if host writes to MappedData must be flushed before the device reads them
func (a *Arena) IsHostCoherent() bool { return !a.nonCoherent }

// Flush makes host writes to a range of the arena visible to the device. It does nothing for
// coherent memory.
func (a *Arena) Flush(offset, size int) error {
	if !a.nonCoherent {
		return nil
	}

	res, err := a.backend.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		a.mappedRange(offset, size),
	})
	return MapResult(res, err)
}

// Invalidate makes device writes to a range of the arena visible to the host. It does nothing for
// coherent memory.
func (a *Arena) Invalidate(offset, size int) error {
	if !a.nonCoherent {
		return nil
	}

	res, err := a.backend.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		a.mappedRange(offset, size),
	})
	return MapResult(res, err)
}

func (a *Arena) mappedRange(offset, size int) core1_0.MappedMemoryRange {
	atomSize := a.backend.deviceMemory.MemoryTypeMinimumAlignment(a.memoryTypeIndex)

	start := offset - offset%int(atomSize)
	end := offset + size
	if rem := end % int(atomSize); rem != 0 {
		end += int(atomSize) - rem
	}
	if end > a.allocationSize {
		end = a.allocationSize
	}

	return core1_0.MappedMemoryRange{
		Memory: a.memory,
		Offset: start,
		Size:   end - start,
	}
}

// Destroy unmaps the memory, destroys the buffer, and frees the memory
func (a *Arena) Destroy() {
	a.backend.logger.Debug("Arena::Destroy", slog.String("Name", a.name))

	if a.mappedData != nil {
		a.memory.Unmap()
		a.mappedData = nil
	}

	a.buffer.Destroy(a.backend.callbacks)
	a.backend.deviceMemory.FreeVulkanMemory(a.memoryTypeIndex, a.allocationSize, a.memory)

	a.buffer = nil
	a.memory = nil
}
