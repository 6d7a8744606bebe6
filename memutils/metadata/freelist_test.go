package metadata_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/metadata"
)

func readyFreeList(t *testing.T, size int, minAlignment uint) *metadata.FreeListBlockMetadata {
	md := metadata.NewFreeListBlockMetadata(minAlignment)
	md.Init(size)
	require.NoError(t, md.Validate())
	return md
}

func TestFreeListBasicAlloc(t *testing.T) {
	md := readyFreeList(t, 1000, 1)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	offset, size, err := md.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 100, size)
	require.NoError(t, md.Validate())

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	require.NoError(t, md.Free(offset))
	require.NoError(t, md.Validate())
	require.True(t, md.IsEmpty())
	require.Equal(t, 1000, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
}

func TestFreeListRoundTripReusesRange(t *testing.T) {
	md := readyFreeList(t, 1024, 1)

	offset, size, err := md.Allocate(256, 16)
	require.NoError(t, err)
	require.NoError(t, md.Free(offset))

	offset2, size2, err := md.Allocate(256, 16)
	require.NoError(t, err)
	require.Equal(t, offset, offset2)
	require.Equal(t, size, size2)

	highWater := 0
	_ = md.VisitAllRegions(func(region metadata.Suballocation) error {
		if !region.Free && region.End() > highWater {
			highWater = region.End()
		}
		return nil
	})
	require.Equal(t, 256, highWater)
}

func fillFourQuarters(t *testing.T) *metadata.FreeListBlockMetadata {
	md := readyFreeList(t, 1024, 1)

	for i := 0; i < 4; i++ {
		offset, _, err := md.Allocate(256, 1)
		require.NoError(t, err)
		require.Equal(t, i*256, offset)
	}

	require.Equal(t, 0, md.SumFreeSize())
	return md
}

func TestFreeListCoalesceForward(t *testing.T) {
	md := fillFourQuarters(t)

	require.NoError(t, md.Free(256))
	require.NoError(t, md.Free(512))
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())

	offset, _, err := md.Allocate(512, 1)
	require.NoError(t, err)
	require.Equal(t, 256, offset)
}

func TestFreeListCoalesceBackward(t *testing.T) {
	md := fillFourQuarters(t)

	require.NoError(t, md.Free(512))
	require.NoError(t, md.Free(256))
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())

	offset, _, err := md.Allocate(512, 1)
	require.NoError(t, err)
	require.Equal(t, 256, offset)
}

func TestFreeListCoalesceBothSides(t *testing.T) {
	md := fillFourQuarters(t)

	require.NoError(t, md.Free(256))
	require.NoError(t, md.Free(768))
	require.Equal(t, 2, md.FreeRegionsCount())

	require.NoError(t, md.Free(512))
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())

	offset, _, err := md.Allocate(768, 1)
	require.NoError(t, err)
	require.Equal(t, 256, offset)
}

func TestFreeListFragmentationIsOutOfSpace(t *testing.T) {
	md := fillFourQuarters(t)

	require.NoError(t, md.Free(0))
	require.NoError(t, md.Free(512))
	require.Equal(t, 512, md.SumFreeSize())
	require.Equal(t, 256, md.LargestFreeRegion())

	_, _, err := md.Allocate(512, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfSpace))
	require.NoError(t, md.Validate())
}

func TestFreeListRejectsZeroSize(t *testing.T) {
	md := readyFreeList(t, 1024, 1)

	_, _, err := md.Allocate(0, 1)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	_, _, err = md.Allocate(-5, 1)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	require.True(t, md.IsEmpty())
}

func TestFreeListInvalidFree(t *testing.T) {
	md := readyFreeList(t, 1024, 1)

	offset, _, err := md.Allocate(100, 1)
	require.NoError(t, err)

	err = md.Free(12345)
	require.True(t, errors.Is(err, memutils.ErrInvalidFree))

	// The tail of the arena is a free region starting at 100
	err = md.Free(100)
	require.True(t, errors.Is(err, memutils.ErrInvalidFree))

	require.NoError(t, md.Free(offset))
	err = md.Free(offset)
	require.True(t, errors.Is(err, memutils.ErrInvalidFree))
	require.NoError(t, md.Validate())
}

func TestFreeListRoundsToMinAlignment(t *testing.T) {
	md := readyFreeList(t, 1024, 64)

	offset, size, err := md.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 128, size)

	offset, size, err = md.Allocate(1, 1)
	require.NoError(t, err)
	require.Equal(t, 128, offset)
	require.Equal(t, 64, size)

	reserved, ok := md.Lookup(128)
	require.True(t, ok)
	require.Equal(t, 64, reserved)
}

func TestFreeListAlignmentPaddingStaysFree(t *testing.T) {
	md := readyFreeList(t, 1024, 1)

	_, _, err := md.Allocate(10, 1)
	require.NoError(t, err)

	offset, _, err := md.Allocate(100, 256)
	require.NoError(t, err)
	require.Equal(t, 256, offset)
	require.Equal(t, 2, md.FreeRegionsCount())
	require.Equal(t, 1024-110, md.SumFreeSize())
	require.NoError(t, md.Validate())

	var regions []metadata.Suballocation
	_ = md.VisitAllRegions(func(region metadata.Suballocation) error {
		regions = append(regions, region)
		return nil
	})
	require.Equal(t, []metadata.Suballocation{
		{Offset: 0, Size: 10},
		{Offset: 10, Size: 246, Free: true},
		{Offset: 256, Size: 100},
		{Offset: 356, Size: 668, Free: true},
	}, regions)

	require.NoError(t, md.Free(256))
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}

func TestFreeListStrategies(t *testing.T) {
	md := readyFreeList(t, 1024, 1)

	large, _, err := md.Allocate(300, 1)
	require.NoError(t, err)
	_, _, err = md.Allocate(10, 1)
	require.NoError(t, err)
	small, _, err := md.Allocate(160, 1)
	require.NoError(t, err)
	require.Equal(t, 310, small)
	_, _, err = md.Allocate(10, 1)
	require.NoError(t, err)

	require.NoError(t, md.Free(large))
	require.NoError(t, md.Free(small))

	ok, request, err := md.CreateAllocationRequest(150, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 310, request.Item.Offset)
	require.Equal(t, metadata.AllocationRequestSplit, request.Type)

	ok, request, err = md.CreateAllocationRequest(150, 1, metadata.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, request.Item.Offset)

	ok, request, err = md.CreateAllocationRequest(160, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 310, request.Item.Offset)
	require.Equal(t, metadata.AllocationRequestExact, request.Type)

	require.NoError(t, md.Alloc(request))
	require.NoError(t, md.Validate())

	// The request was consumed and the range it names is no longer free
	require.Error(t, md.Alloc(request))
}

func TestFreeListRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	md := readyFreeList(t, 1<<16, 16)

	live := map[int]int{}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for offset := range live {
				require.NoError(t, md.Free(offset))
				delete(live, offset)
				break
			}
		} else {
			alignment := uint(1) << rng.Intn(9)
			offset, size, err := md.Allocate(rng.Intn(2000)+1, alignment)
			if err != nil {
				require.True(t, errors.Is(err, memutils.ErrOutOfSpace))
				continue
			}
			require.Zero(t, offset%int(alignment))
			live[offset] = size
		}

		require.NoError(t, md.Validate())
	}

	type span struct{ offset, size int }
	var spans []span
	for offset, size := range live {
		spans = append(spans, span{offset, size})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].offset < spans[j].offset })
	for i := 1; i < len(spans); i++ {
		require.LessOrEqual(t, spans[i-1].offset+spans[i-1].size, spans[i].offset)
	}

	require.Equal(t, len(live), md.AllocationCount())
	for offset := range live {
		require.NoError(t, md.Free(offset))
	}
	require.True(t, md.IsEmpty())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}

func TestFreeListClear(t *testing.T) {
	md := fillFourQuarters(t)

	md.Clear()
	require.True(t, md.IsEmpty())
	require.Equal(t, 1024, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestFreeListJson(t *testing.T) {
	md := readyFreeList(t, 1024, 1)
	_, _, err := md.Allocate(24, 1)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	md.BlockJsonData(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{"TotalBytes":1024,"UnusedBytes":1000,"Allocations":1,"UnusedRanges":1,"LargestFreeRange":1000}`, string(writer.Bytes()))
}
