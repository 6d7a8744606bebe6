package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/memutils"
)

// BumpBlockMetadata serves short-lived allocations from one window of an arena, typically the
// window reserved for a single frame slot. Allocations are never freed individually: the whole
// window is reclaimed by Reset once the frame that used it has retired. Unlike the ring, a full
// window is reported as an error rather than wrapping over data that may still be in use.
//
// BumpBlockMetadata is not safe for concurrent use.
type BumpBlockMetadata struct {
	blockMetadataBase

	base       int
	cursor     int
	allocCount int
	highWater  int
}

var _ BlockMetadata = &BumpBlockMetadata{}

// NewBumpBlockMetadata creates a bump allocator over the window [base, base+size) of an arena.
// Offsets it returns are relative to the start of the arena, not the window.
func NewBumpBlockMetadata(base, size int) *BumpBlockMetadata {
	if base < 0 || size < 1 {
		panic(errors.Newf("invalid bump window at %d with size %d", base, size))
	}

	return &BumpBlockMetadata{
		blockMetadataBase: blockMetadataBase{size: size},
		base:              base,
	}
}

// Base returns the arena offset the window begins at
func (m *BumpBlockMetadata) Base() int {
	return m.base
}

// Allocate reserves size bytes at the requested alignment, measured from the start of the arena.
// The returned error wraps memutils.ErrOutOfSpace when the window cannot hold the request.
func (m *BumpBlockMetadata) Allocate(size int, alignment uint) (int, error) {
	if size < 1 {
		return 0, errors.Wrapf(memutils.ErrInvalidSize, "invalid allocation size %d", size)
	}

	offset := memutils.AlignUp(m.base+m.cursor, alignment)
	end := offset + size
	if end > m.base+m.size {
		return 0, errors.Wrapf(memutils.ErrOutOfSpace,
			"transient window at %d has %d of %d bytes left, cannot hold %d bytes aligned to %d",
			m.base, m.size-m.cursor, m.size, size, alignment)
	}

	m.cursor = end - m.base
	m.allocCount++
	if m.cursor > m.highWater {
		m.highWater = m.cursor
	}

	return offset, nil
}

// Reset reclaims the entire window
func (m *BumpBlockMetadata) Reset() {
	m.cursor = 0
	m.allocCount = 0
}

// HighWater returns the largest number of bytes the window has held at once
func (m *BumpBlockMetadata) HighWater() int {
	return m.highWater
}

func (m *BumpBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BumpBlockMetadata) SumFreeSize() int {
	return m.size - m.cursor
}

func (m *BumpBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BumpBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	if m.cursor > 0 {
		stats.AddAllocation(m.cursor)
	}
	if m.cursor < m.size {
		stats.AddUnusedRange(m.size - m.cursor)
	}
}

func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.cursor
}

func (m *BumpBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	unusedRanges := 0
	if m.cursor < m.size {
		unusedRanges = 1
	}

	m.writeJson(json, m.size-m.cursor, m.allocCount, unusedRanges)
	json.Name("Base").Int(m.base)
	json.Name("HighWater").Int(m.highWater)
}

func (m *BumpBlockMetadata) Validate() error {
	if m.cursor < 0 || m.cursor > m.size {
		return errors.Newf("bump cursor %d is outside the %d byte window", m.cursor, m.size)
	}

	if m.allocCount == 0 && m.cursor != 0 {
		return errors.Newf("bump window has no allocations but its cursor is at %d", m.cursor)
	}

	return nil
}
