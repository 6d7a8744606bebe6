package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framealloc/vam"
)

// MemoryPreferences describes the memory type an arena should be placed in
type MemoryPreferences struct {
	// Required flags must all be present on the memory type
	Required core1_0.MemoryPropertyFlags
	// Preferred flags each cost one when absent
	Preferred core1_0.MemoryPropertyFlags
	// NotPreferred flags each cost one when present
	NotPreferred core1_0.MemoryPropertyFlags
}

// MemoryPreferencesForKind chooses memory preferences from how each arena kind is accessed.
// Geometry, index, and storage data is written through transfers and read by the device, so it
// prefers device-local memory. Uniform data is written sequentially by the host every frame and
// read by the device, so it must be host-visible and prefers device-local memory unless the device
// is integrated, where all memory is device-local anyway. Staging data is written by the host and
// only read by transfers, so it avoids device-local memory.
func MemoryPreferencesForKind(kind vam.ArenaKind, isIntegratedGPU bool) MemoryPreferences {
	switch kind {
	case vam.ArenaKindUniform:
		preferences := MemoryPreferences{
			Required:     core1_0.MemoryPropertyHostVisible,
			Preferred:    core1_0.MemoryPropertyHostCoherent,
			NotPreferred: core1_0.MemoryPropertyHostCached,
		}
		if !isIntegratedGPU {
			preferences.Preferred |= core1_0.MemoryPropertyDeviceLocal
		}
		return preferences
	case vam.ArenaKindStaging:
		return MemoryPreferences{
			Required:     core1_0.MemoryPropertyHostVisible,
			Preferred:    core1_0.MemoryPropertyHostCoherent,
			NotPreferred: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCached,
		}
	default:
		return MemoryPreferences{
			Preferred: core1_0.MemoryPropertyDeviceLocal,
		}
	}
}

var bufferUsageMapping = map[vam.ArenaKind]core1_0.BufferUsageFlags{
	vam.ArenaKindGeometry: core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst,
	vam.ArenaKindIndex:    core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageTransferDst,
	vam.ArenaKindUniform:  core1_0.BufferUsageUniformBuffer,
	vam.ArenaKindStorage:  core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst | core1_0.BufferUsageTransferSrc,
	vam.ArenaKindStaging:  core1_0.BufferUsageTransferSrc,
}

// BufferUsage returns the buffer usage an arena of the provided kind is created with
func BufferUsage(kind vam.ArenaKind) core1_0.BufferUsageFlags {
	return bufferUsageMapping[kind]
}
