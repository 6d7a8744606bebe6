package vam

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/pacer"
)

const (
	// defaultFramesInFlight is used when CreateOptions.FramesInFlight is 0
	defaultFramesInFlight int = 2
)

// ArenaCreateInfo describes one arena. Arenas are created once at allocator creation and are never
// grown.
type ArenaCreateInfo struct {
	// Name identifies the arena in logs and statistics
	Name string
	// Kind is the category of data the arena holds
	Kind ArenaKind
	// Policy selects the suballocator that manages the arena
	Policy Policy
	// Size is the arena size in bytes. It may not exceed Kind.Codec().MaxOffset().
	Size int
	// MinAlignment is the alignment every allocation in the arena receives at minimum. For
	// PolicyFreeList arenas, allocation sizes are also rounded up to a multiple of it.
	MinAlignment uint
	// ChunkSize is the size of each chunk in a PolicyChunk arena and is ignored otherwise
	ChunkSize int
	// MaxFrameBytes is optional. When set on a PolicyRing arena, creation fails unless the arena
	// can hold MaxFrameBytes for every frame in flight. When set on a PolicyTransient arena,
	// creation fails unless each frame's window can hold MaxFrameBytes.
	MaxFrameBytes int
}

// NativeArena is the backend's native buffer behind one arena
type NativeArena interface {
	// Size is the size in bytes of the native buffer, which may exceed the requested size
	Size() int
	// Destroy releases the native buffer and its memory. It is called once, when the
	// allocator is destroyed.
	Destroy()
}

// Backend provides the native objects an Allocator is built on
type Backend interface {
	// CreateArena creates the native buffer for one arena. Errors should wrap the memutils
	// sentinels (memutils.ErrOutOfDeviceMemory, memutils.ErrNoCompatibleMemoryClass, ...).
	CreateArena(info ArenaCreateInfo) (NativeArena, error)
	// CreateFence creates the completion signal for one frame slot
	CreateFence(slot int) (pacer.Fence, error)
}

// CreateOptions contains the settings used when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// FramesInFlight is the number of frames that may be executing on the device at once. If
	// it is 0, two frames are used.
	FramesInFlight int
	// Arenas lists every arena the allocator manages
	Arenas []ArenaCreateInfo
}

func (o *CreateOptions) validate() error {
	if o.FramesInFlight == 0 {
		o.FramesInFlight = defaultFramesInFlight
	}

	if o.FramesInFlight < 1 {
		return errors.Newf("FramesInFlight must be at least 1, got %d", o.FramesInFlight)
	}

	var arenaCounts [ArenaKindCount]int
	var kindPolicies [ArenaKindCount]Policy

	for i := range o.Arenas {
		info := &o.Arenas[i]

		if !info.Kind.valid() {
			return errors.Newf("arena %q has unknown kind %d", info.Name, int(info.Kind))
		}

		if _, ok := policyMapping[info.Policy]; !ok {
			return errors.Newf("arena %q has unknown policy %d", info.Name, int(info.Policy))
		}

		if info.MinAlignment == 0 {
			info.MinAlignment = 1
		}

		err := memutils.CheckPow2(info.MinAlignment, "MinAlignment")
		if err != nil {
			return errors.Wrapf(err, "arena %q", info.Name)
		}

		codec := info.Kind.Codec()
		if info.Size < 1 || info.Size > codec.MaxOffset() {
			return errors.Newf("arena %q has size %d, but %s arenas must be between 1 and %d bytes",
				info.Name, info.Size, info.Kind, codec.MaxOffset())
		}

		if arenaCounts[info.Kind] > 0 && kindPolicies[info.Kind] != info.Policy {
			return errors.Newf("arena %q uses policy %s, but %s arenas already use policy %s",
				info.Name, info.Policy, info.Kind, kindPolicies[info.Kind])
		}
		kindPolicies[info.Kind] = info.Policy
		arenaCounts[info.Kind]++

		if arenaCounts[info.Kind] > codec.MaxArenas() {
			return errors.Wrapf(memutils.ErrTooManyAllocationChunks, "%s handles can only address %d arenas",
				info.Kind, codec.MaxArenas())
		}

		switch info.Policy {
		case PolicyRing:
			if info.MaxFrameBytes > 0 && info.Size < info.MaxFrameBytes*o.FramesInFlight {
				return errors.Newf("ring arena %q has %d bytes, but %d frames in flight of up to %d bytes need %d",
					info.Name, info.Size, o.FramesInFlight, info.MaxFrameBytes, info.MaxFrameBytes*o.FramesInFlight)
			}
		case PolicyTransient:
			window := info.Size / o.FramesInFlight
			if window < 1 {
				return errors.Newf("transient arena %q has %d bytes, which cannot be split into %d frame windows",
					info.Name, info.Size, o.FramesInFlight)
			}
			if info.MaxFrameBytes > 0 && window < info.MaxFrameBytes {
				return errors.Newf("transient arena %q has %d byte frame windows, but frames may need up to %d bytes",
					info.Name, window, info.MaxFrameBytes)
			}
		case PolicyChunk:
			if info.ChunkSize < 1 || memutils.AlignUp(info.ChunkSize, info.MinAlignment) > info.Size {
				return errors.Newf("chunk arena %q has chunk size %d, which does not fit in %d bytes",
					info.Name, info.ChunkSize, info.Size)
			}
		}
	}

	return nil
}
