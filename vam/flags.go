package vam

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/framealloc/memutils/handle"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used. Ring arenas stay safe for concurrent allocation either way.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateValidateOnFrame runs the consistency checks of every free-list and chunk arena
	// at the start of each frame and fails BeginFrame if any check fails. This is expensive.
	AllocatorCreateValidateOnFrame
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateValidateOnFrame.Register("AllocatorCreateValidateOnFrame")
}

// ArenaKind is the category of data an arena holds. It selects the handle codec for the arena's
// allocations and tells the backend how the arena's native buffer will be used.
type ArenaKind int

const (
	ArenaKindGeometry ArenaKind = iota
	ArenaKindIndex
	ArenaKindUniform
	ArenaKindStorage
	ArenaKindStaging

	// ArenaKindCount is the number of arena kinds
	ArenaKindCount = iota
)

var arenaKindMapping = map[ArenaKind]string{
	ArenaKindGeometry: "Geometry",
	ArenaKindIndex:    "Index",
	ArenaKindUniform:  "Uniform",
	ArenaKindStorage:  "Storage",
	ArenaKindStaging:  "Staging",
}

func (k ArenaKind) String() string {
	str, ok := arenaKindMapping[k]
	if !ok {
		return fmt.Sprintf("ArenaKind(%d)", int(k))
	}
	return str
}

func (k ArenaKind) valid() bool {
	return k >= 0 && k < ArenaKindCount
}

// Codec returns the handle split used for allocations of this kind. Mesh and storage data live in
// a few large arenas, while uniform and staging data are spread over many small ones.
func (k ArenaKind) Codec() handle.Codec {
	switch k {
	case ArenaKindUniform, ArenaKindStaging:
		return handle.UniformCodec
	default:
		return handle.GeometryCodec
	}
}

// Policy selects how an arena's address space is handed out and reclaimed
type Policy int

const (
	// PolicyFreeList serves long-lived allocations that are freed individually, at any time
	PolicyFreeList Policy = iota
	// PolicyRing serves per-frame data from a circular arena with no individual free. Space is
	// reclaimed implicitly as the cursor laps the arena, so the arena must be sized for every
	// frame in flight.
	PolicyRing
	// PolicyTransient splits the arena into one window per frame slot. Allocations have no
	// individual free and the slot's window is reclaimed when its frame retires. A full window is
	// an error rather than a wrap.
	PolicyTransient
	// PolicyChunk serves fixed-size allocations from equally-sized chunks
	PolicyChunk
)

var policyMapping = map[Policy]string{
	PolicyFreeList:  "FreeList",
	PolicyRing:      "Ring",
	PolicyTransient: "Transient",
	PolicyChunk:     "Chunk",
}

func (p Policy) String() string {
	str, ok := policyMapping[p]
	if !ok {
		return fmt.Sprintf("Policy(%d)", int(p))
	}
	return str
}

// individuallyFreed reports whether allocations made under the policy can be freed one at a time
func (p Policy) individuallyFreed() bool {
	return p == PolicyFreeList || p == PolicyChunk
}
