package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics is a cheap summary of one or more arenas: how many there are, how many bytes
// they span, and how much of that is handed out.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// FreeBytes is the number of bytes spanned by the arenas that are not currently allocated
func (s *Statistics) FreeBytes() int {
	return s.BlockBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with allocation and free range size extremes. Call
// Clear before accumulating into it: the minimums start at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// PrintJson writes the statistics as fields of an open JSON object. Extremes that were never
// touched since the last Clear are omitted.
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
