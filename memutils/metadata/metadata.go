package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/memutils"
)

// BlockMetadata tracks the address space of a single arena. Implementations differ in how
// space is handed out and returned, so allocation itself is not part of this interface: each
// implementation exposes the allocation calls that fit its reclamation model.
type BlockMetadata interface {
	// Size retrieves the size in bytes that the arena was initialized with
	Size() int
	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of live suballocations. Implementations that do not track
	// individual allocations report the number handed out since the last reset.
	AllocationCount() int
	// SumFreeSize returns the number of bytes that can still be handed out
	SumFreeSize() int
	// IsEmpty will return true if this arena has no live suballocations
	IsEmpty() bool

	// AddDetailedStatistics sums this arena's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this arena's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)
	// BlockJsonData populates a json object with information about this arena
	BlockJsonData(json jwriter.ObjectState)
}

// RegionVisitor is implemented by metadata that keeps a record of every region in its arena
type RegionVisitor interface {
	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the arena, in offset order. Iteration stops at the first error returned by the callback.
	VisitAllRegions(handleBlock func(region Suballocation) error) error
}

// blockMetadataBase carries the fields every implementation shares
type blockMetadataBase struct {
	size int
}

// Size returns the size of the arena in bytes
func (m *blockMetadataBase) Size() int { return m.size }

func (m *blockMetadataBase) writeJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
