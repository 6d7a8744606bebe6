package metadata

import (
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/memutils"
)

// RingBlockMetadata hands out space from a circular arena by advancing a single cursor. There is no
// per-allocation free: everything written during one lap becomes garbage once the device has finished
// with the frames that used it, and the cursor simply runs over it again on the next lap.
//
// Allocate may be called concurrently from any number of goroutines without external locking. The
// cursor and the lap counter share one atomic word so that a wrap and the cursor reset are published
// together.
//
// The ring never checks how far the device has read. Size the arena for at least the worst-case
// per-frame demand times the number of frames in flight.
type RingBlockMetadata struct {
	blockMetadataBase

	// state is lap<<32 | cursor
	state      atomic.Uint64
	allocCount atomic.Int64
}

var _ BlockMetadata = &RingBlockMetadata{}

// NewRingBlockMetadata creates a ring over an arena of size bytes. The size must fit in 32 bits.
func NewRingBlockMetadata(size int) *RingBlockMetadata {
	if size < 1 || size > math.MaxUint32 {
		panic(errors.Newf("ring arena size must be in [1, %d], got %d", uint64(math.MaxUint32), size))
	}

	return &RingBlockMetadata{
		blockMetadataBase: blockMetadataBase{size: size},
	}
}

func unpackRingState(state uint64) (lap uint32, cursor int) {
	return uint32(state >> 32), int(uint32(state))
}

func packRingState(lap uint32, cursor int) uint64 {
	return uint64(lap)<<32 | uint64(uint32(cursor))
}

// Allocate reserves size bytes at the requested alignment and returns their offset. If the aligned
// range would run past the end of the arena, the allocation is placed at offset 0 instead and the
// space between the old cursor and the end is abandoned for this lap.
//
// Requests larger than the arena, or of zero or negative size, panic: they cannot be served by any
// amount of waiting.
func (m *RingBlockMetadata) Allocate(size int, alignment uint) int {
	if size < 1 || size > m.size {
		panic(errors.Newf("ring allocation of %d bytes cannot be served by an arena of %d bytes", size, m.size))
	}

	for {
		current := m.state.Load()
		lap, cursor := unpackRingState(current)

		start := memutils.AlignUp(cursor, alignment)
		end := start + size
		if end > m.size {
			start = 0
			end = size
			lap++
		}

		if m.state.CompareAndSwap(current, packRingState(lap, end)) {
			m.allocCount.Add(1)
			return start
		}
	}
}

// Cursor returns the offset the next unaligned allocation would start at
func (m *RingBlockMetadata) Cursor() int {
	_, cursor := unpackRingState(m.state.Load())
	return cursor
}

// Laps returns the number of times the cursor has wrapped back to 0
func (m *RingBlockMetadata) Laps() int {
	lap, _ := unpackRingState(m.state.Load())
	return int(lap)
}

// Consumed returns the total number of bytes the cursor has moved over since the last reset,
// including alignment padding and the tails abandoned at each wrap. The difference between two
// readings is the amount of the arena that was overwritten between them.
func (m *RingBlockMetadata) Consumed() int {
	lap, cursor := unpackRingState(m.state.Load())
	return int(lap)*m.size + cursor
}

// Reset moves the cursor back to 0 and clears the lap and allocation counters. It must not race
// with Allocate.
func (m *RingBlockMetadata) Reset() {
	m.state.Store(0)
	m.allocCount.Store(0)
}

// AllocationCount returns the number of allocations handed out since the last reset
func (m *RingBlockMetadata) AllocationCount() int {
	return int(m.allocCount.Load())
}

// SumFreeSize returns the number of bytes between the cursor and the end of the arena. Space behind
// the cursor can also be reused once the ring wraps.
func (m *RingBlockMetadata) SumFreeSize() int {
	return m.size - m.Cursor()
}

func (m *RingBlockMetadata) IsEmpty() bool {
	return m.state.Load() == 0
}

// AddDetailedStatistics reports the span written during the current lap as a single allocation,
// since the ring keeps no record of individual allocations
func (m *RingBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	cursor := m.Cursor()

	stats.BlockCount++
	stats.BlockBytes += m.size

	if cursor > 0 {
		stats.AddAllocation(cursor)
	}
	if cursor < m.size {
		stats.AddUnusedRange(m.size - cursor)
	}
}

func (m *RingBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.Cursor()
}

func (m *RingBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	lap, cursor := unpackRingState(m.state.Load())

	unusedRanges := 0
	if cursor < m.size {
		unusedRanges = 1
	}

	m.writeJson(json, m.size-cursor, m.AllocationCount(), unusedRanges)
	json.Name("Cursor").Int(cursor)
	json.Name("Laps").Int(int(lap))
}

func (m *RingBlockMetadata) Validate() error {
	cursor := m.Cursor()
	if cursor > m.size {
		return errors.Newf("ring cursor %d is past the end of the %d byte arena", cursor, m.size)
	}

	return nil
}
