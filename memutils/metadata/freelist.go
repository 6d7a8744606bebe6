package metadata

import (
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/memutils"
)

// freeListBucketCount is one bucket per power of two an int can hold
const freeListBucketCount = 64

var freeListBlockPool = sync.Pool{
	New: func() any {
		return &freeListBlock{}
	},
}

type freeListBlock struct {
	offset       int
	size         int
	prevPhysical *freeListBlock
	nextPhysical *freeListBlock

	prevFree *freeListBlock
	nextFree *freeListBlock
	free     bool
}

func (b *freeListBlock) fits(size int, alignment uint) (alignedOffset int, ok bool) {
	alignedOffset = memutils.AlignUp(b.offset, alignment)
	return alignedOffset, alignedOffset+size <= b.offset+b.size
}

// FreeListBlockMetadata is a general-purpose allocate/free implementation for long-lived
// suballocations. Every region of the arena, taken or free, is a block in a doubly-linked
// physical chain. Free blocks are additionally sorted into power-of-two size buckets, and a
// bitmap of non-empty buckets lets a best-fit search skip straight to the first bucket that
// might hold a candidate.
//
// Adjacent free blocks are merged as soon as a block is freed, so free blocks are never
// physically adjacent.
//
// FreeListBlockMetadata is not safe for concurrent use.
type FreeListBlockMetadata struct {
	blockMetadataBase

	minAlignment uint
	allocCount   int
	freeCount    int
	freeBytes    int

	bucketBitmap uint64
	buckets      [freeListBucketCount]*freeListBlock

	blocksByOffset *swiss.Map[int, *freeListBlock]
	firstBlock     *freeListBlock
}

var _ BlockMetadata = &FreeListBlockMetadata{}
var _ RegionVisitor = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates metadata whose allocations are always aligned to, and sized in
// multiples of, minAlignment. Init must be called before use.
func NewFreeListBlockMetadata(minAlignment uint) *FreeListBlockMetadata {
	if minAlignment < 1 {
		minAlignment = 1
	}

	return &FreeListBlockMetadata{
		minAlignment: minAlignment,
	}
}

// Init prepares the metadata to manage an arena of size bytes, all of which start free. Calling
// Init again discards every existing allocation.
func (m *FreeListBlockMetadata) Init(size int) {
	if size < 1 {
		panic(errors.Newf("free list arena size must be positive, got %d", size))
	}

	m.size = size
	if m.blocksByOffset == nil {
		m.blocksByOffset = swiss.NewMap[int, *freeListBlock](64)
	}

	m.Clear()
}

// Clear instantly frees all allocations, leaving a single free region spanning the arena
func (m *FreeListBlockMetadata) Clear() {
	for block := m.firstBlock; block != nil; {
		next := block.nextPhysical
		freeListBlockPool.Put(block)
		block = next
	}

	m.blocksByOffset.Clear()
	m.buckets = [freeListBucketCount]*freeListBlock{}
	m.bucketBitmap = 0
	m.allocCount = 0
	m.freeCount = 0
	m.freeBytes = 0

	block := m.allocateBlock(0, m.size)
	m.firstBlock = block
	m.insertFreeBlock(block)
}

func (m *FreeListBlockMetadata) allocateBlock(offset, size int) *freeListBlock {
	b := freeListBlockPool.Get().(*freeListBlock)
	b.offset = offset
	b.size = size
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.prevFree = nil
	b.nextFree = nil
	b.free = false
	m.blocksByOffset.Put(offset, b)
	return b
}

func (m *FreeListBlockMetadata) releaseBlock(b *freeListBlock) {
	m.blocksByOffset.Delete(b.offset)
	freeListBlockPool.Put(b)
}

func (m *FreeListBlockMetadata) moveBlock(b *freeListBlock, newOffset int) {
	m.blocksByOffset.Delete(b.offset)
	b.offset = newOffset
	m.blocksByOffset.Put(newOffset, b)
}

func bucketIndex(size int) int {
	return 63 - bits.LeadingZeros64(uint64(size))
}

func (m *FreeListBlockMetadata) insertFreeBlock(b *freeListBlock) {
	index := bucketIndex(b.size)

	b.free = true
	b.prevFree = nil
	b.nextFree = m.buckets[index]
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
	m.buckets[index] = b
	m.bucketBitmap |= 1 << index

	m.freeCount++
	m.freeBytes += b.size
}

func (m *FreeListBlockMetadata) removeFreeBlock(b *freeListBlock) {
	if !b.free {
		panic(errors.Newf("block at offset %d was removed from the free list but is not free", b.offset))
	}

	index := bucketIndex(b.size)

	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		m.buckets[index] = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}

	if m.buckets[index] == nil {
		m.bucketBitmap &^= 1 << index
	}

	b.free = false
	b.prevFree = nil
	b.nextFree = nil

	m.freeCount--
	m.freeBytes -= b.size
}

// nextBucket returns the lowest non-empty bucket at or above index, or -1
func (m *FreeListBlockMetadata) nextBucket(index int) int {
	if index >= freeListBucketCount {
		return -1
	}

	mask := m.bucketBitmap & (^uint64(0) << index)
	if mask == 0 {
		return -1
	}
	return bits.TrailingZeros64(mask)
}

func (m *FreeListBlockMetadata) roundRequest(size int, alignment uint) (int, uint) {
	alignment = memutils.MaxAlignment(alignment, m.minAlignment)
	return memutils.AlignUp(size, m.minAlignment), alignment
}

// CreateAllocationRequest locates a free range that can hold size bytes at the requested alignment
// without modifying the metadata. It returns false with no error if no such range exists.
func (m *FreeListBlockMetadata) CreateAllocationRequest(
	size int, alignment uint,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if size < 1 {
		return false, request, errors.Wrapf(memutils.ErrInvalidSize, "invalid allocation size %d", size)
	}

	memutils.DebugValidate(m)

	size, alignment = m.roundRequest(size, alignment)

	if size > m.freeBytes {
		return false, request, nil
	}

	var block *freeListBlock
	var alignedOffset int

	switch {
	case strategy&AllocationStrategyMinOffset != 0:
		block, alignedOffset = m.findLowestOffset(size, alignment)
	case strategy&AllocationStrategyMinTime != 0:
		block, alignedOffset = m.findFirstFit(size, alignment)
	default:
		block, alignedOffset = m.findBestFit(size, alignment)
	}

	if block == nil {
		return false, request, nil
	}

	request.Item = Suballocation{
		Offset: alignedOffset,
		Size:   size,
	}
	request.freeOffset = block.offset
	request.Type = AllocationRequestSplit
	if alignedOffset == block.offset && size == block.size {
		request.Type = AllocationRequestExact
	}

	return true, request, nil
}

func (m *FreeListBlockMetadata) findBestFit(size int, alignment uint) (*freeListBlock, int) {
	// Every block in a bucket above the request's own bucket is larger than every block in the
	// buckets below it, so the first bucket with any fitting block holds the best fit.
	for index := m.nextBucket(bucketIndex(size)); index >= 0; index = m.nextBucket(index + 1) {
		var best *freeListBlock
		var bestOffset int

		for block := m.buckets[index]; block != nil; block = block.nextFree {
			alignedOffset, ok := block.fits(size, alignment)
			if !ok {
				continue
			}

			if best == nil || block.size < best.size || (block.size == best.size && block.offset < best.offset) {
				best = block
				bestOffset = alignedOffset
			}
		}

		if best != nil {
			return best, bestOffset
		}
	}

	return nil, 0
}

func (m *FreeListBlockMetadata) findFirstFit(size int, alignment uint) (*freeListBlock, int) {
	for index := m.nextBucket(bucketIndex(size)); index >= 0; index = m.nextBucket(index + 1) {
		for block := m.buckets[index]; block != nil; block = block.nextFree {
			alignedOffset, ok := block.fits(size, alignment)
			if ok {
				return block, alignedOffset
			}
		}
	}

	return nil, 0
}

func (m *FreeListBlockMetadata) findLowestOffset(size int, alignment uint) (*freeListBlock, int) {
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if !block.free {
			continue
		}

		alignedOffset, ok := block.fits(size, alignment)
		if ok {
			return block, alignedOffset
		}
	}

	return nil, 0
}

// Alloc commits an AllocationRequest produced by CreateAllocationRequest. The free range the request
// was carved from must not have changed since the request was made.
func (m *FreeListBlockMetadata) Alloc(request AllocationRequest) error {
	block, ok := m.blocksByOffset.Get(request.freeOffset)
	if !ok || !block.free {
		return errors.Newf("allocation request refers to a free range at offset %d that no longer exists", request.freeOffset)
	}

	if request.Item.Offset < block.offset || request.Item.End() > block.offset+block.size {
		return errors.Newf("allocation request at offset %d with size %d does not fit in the free range at offset %d with size %d",
			request.Item.Offset, request.Item.Size, block.offset, block.size)
	}

	m.removeFreeBlock(block)

	// Alignment padding at the front becomes its own free block. The block before this one is
	// taken, so the padding does not need to be merged with anything.
	if request.Item.Offset > block.offset {
		oldOffset := block.offset
		m.moveBlock(block, request.Item.Offset)
		block.size -= request.Item.Offset - oldOffset
		padding := m.allocateBlock(oldOffset, request.Item.Offset-oldOffset)

		padding.prevPhysical = block.prevPhysical
		padding.nextPhysical = block
		if block.prevPhysical != nil {
			block.prevPhysical.nextPhysical = padding
		} else {
			m.firstBlock = padding
		}
		block.prevPhysical = padding

		m.insertFreeBlock(padding)
	}

	if block.size > request.Item.Size {
		tail := m.allocateBlock(block.offset+request.Item.Size, block.size-request.Item.Size)
		block.size = request.Item.Size

		tail.prevPhysical = block
		tail.nextPhysical = block.nextPhysical
		if block.nextPhysical != nil {
			block.nextPhysical.prevPhysical = tail
		}
		block.nextPhysical = tail

		m.insertFreeBlock(tail)
	}

	m.allocCount++

	memutils.DebugValidate(m)
	return nil
}

// Allocate places size bytes at the requested alignment using the best-fit strategy and returns the
// offset and the number of bytes actually reserved, which is size rounded up to the minimum alignment.
// When no single free range is large enough the returned error wraps memutils.ErrOutOfSpace, even if
// the arena has enough free bytes in total.
func (m *FreeListBlockMetadata) Allocate(size int, alignment uint) (offset int, allocatedSize int, err error) {
	return m.AllocateWithStrategy(size, alignment, AllocationStrategyMinMemory)
}

// AllocateWithStrategy behaves like Allocate but lets the caller select the placement strategy
func (m *FreeListBlockMetadata) AllocateWithStrategy(size int, alignment uint, strategy AllocationStrategy) (offset int, allocatedSize int, err error) {
	success, request, err := m.CreateAllocationRequest(size, alignment, strategy)
	if err != nil {
		return 0, 0, err
	}

	if !success {
		return 0, 0, errors.Wrapf(memutils.ErrOutOfSpace,
			"no free range can hold %d bytes aligned to %d (%d bytes free in %d ranges)",
			size, alignment, m.freeBytes, m.freeCount)
	}

	err = m.Alloc(request)
	if err != nil {
		return 0, 0, err
	}

	return request.Item.Offset, request.Item.Size, nil
}

// Free returns the allocation at offset to the arena and merges it with any free neighbors. The
// returned error wraps memutils.ErrInvalidFree if offset is not the start of a live allocation.
func (m *FreeListBlockMetadata) Free(offset int) error {
	block, ok := m.blocksByOffset.Get(offset)
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidFree, "no allocation starts at offset %d", offset)
	}

	if block.free {
		return errors.Wrapf(memutils.ErrInvalidFree, "the allocation at offset %d is already free", offset)
	}

	m.allocCount--

	if prev := block.prevPhysical; prev != nil && prev.free {
		m.removeFreeBlock(prev)
		prev.size += block.size
		prev.nextPhysical = block.nextPhysical
		if block.nextPhysical != nil {
			block.nextPhysical.prevPhysical = prev
		}
		m.releaseBlock(block)
		block = prev
	}

	if next := block.nextPhysical; next != nil && next.free {
		m.removeFreeBlock(next)
		block.size += next.size
		block.nextPhysical = next.nextPhysical
		if next.nextPhysical != nil {
			next.nextPhysical.prevPhysical = block
		}
		m.releaseBlock(next)
	}

	m.insertFreeBlock(block)

	memutils.DebugValidate(m)
	return nil
}

// Lookup returns the reserved size of the live allocation starting at offset
func (m *FreeListBlockMetadata) Lookup(offset int) (size int, ok bool) {
	block, ok := m.blocksByOffset.Get(offset)
	if !ok || block.free {
		return 0, false
	}
	return block.size, true
}

func (m *FreeListBlockMetadata) AllocationCount() int {
	return m.allocCount
}

// FreeRegionsCount returns the number of distinct free ranges in the arena
func (m *FreeListBlockMetadata) FreeRegionsCount() int {
	return m.freeCount
}

func (m *FreeListBlockMetadata) SumFreeSize() int {
	return m.freeBytes
}

func (m *FreeListBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

// LargestFreeRegion returns the size of the largest free range in the arena
func (m *FreeListBlockMetadata) LargestFreeRegion() int {
	if m.bucketBitmap == 0 {
		return 0
	}

	index := 63 - bits.LeadingZeros64(m.bucketBitmap)
	largest := 0
	for block := m.buckets[index]; block != nil; block = block.nextFree {
		if block.size > largest {
			largest = block.size
		}
	}
	return largest
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleBlock func(region Suballocation) error) error {
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		err := handleBlock(Suballocation{Offset: block.offset, Size: block.size, Free: block.free})
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block.free {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.freeBytes
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.writeJson(json, m.freeBytes, m.allocCount, m.freeCount)
	json.Name("LargestFreeRange").Int(m.LargestFreeRegion())
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.firstBlock == nil {
		return errors.New("free list metadata has not been initialized")
	}

	if m.firstBlock.prevPhysical != nil {
		return errors.Newf("first block at offset %d has a previous physical block", m.firstBlock.offset)
	}

	nextOffset := 0
	var blockCount, allocCount, freeCount, freeBytes int

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		blockCount++

		if block.offset != nextOffset {
			return errors.Newf("block at offset %d should start at offset %d", block.offset, nextOffset)
		}

		if block.size < 1 {
			return errors.Newf("block at offset %d has size %d", block.offset, block.size)
		}

		if block.nextPhysical != nil && block.nextPhysical.prevPhysical != block {
			return errors.Newf("block at offset %d has a next physical block, but the reverse reference is broken", block.offset)
		}

		mapped, ok := m.blocksByOffset.Get(block.offset)
		if !ok || mapped != block {
			return errors.Newf("block at offset %d is missing from the offset map", block.offset)
		}

		if block.free {
			freeCount++
			freeBytes += block.size

			if block.nextPhysical != nil && block.nextPhysical.free {
				return errors.Newf("free blocks at offsets %d and %d are adjacent but were not merged", block.offset, block.nextPhysical.offset)
			}
		} else {
			allocCount++
		}

		nextOffset = block.offset + block.size
	}

	if nextOffset != m.size {
		return errors.Newf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, nextOffset)
	}

	if blockCount != m.blocksByOffset.Count() {
		return errors.Newf("the physical chain has %d blocks but the offset map has %d", blockCount, m.blocksByOffset.Count())
	}

	var bucketCount int
	for index := 0; index < freeListBucketCount; index++ {
		head := m.buckets[index]
		if (head != nil) != (m.bucketBitmap&(1<<index) != 0) {
			return errors.Newf("bucket %d does not agree with the bucket bitmap", index)
		}

		if head != nil && head.prevFree != nil {
			return errors.Newf("block at offset %d is the head of a free list but has a previous block", head.offset)
		}

		for block := head; block != nil; block = block.nextFree {
			bucketCount++

			if !block.free {
				return errors.Newf("block at offset %d is in the free list but is not free", block.offset)
			}

			if bucketIndex(block.size) != index {
				return errors.Newf("block at offset %d with size %d is in bucket %d", block.offset, block.size, index)
			}

			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Newf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}
		}
	}

	if bucketCount != freeCount {
		return errors.Newf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", bucketCount, freeCount)
	}

	if freeCount != m.freeCount {
		return errors.Newf("the free block count of the metadata is %d, but there were %d free blocks", m.freeCount, freeCount)
	}

	if freeBytes != m.freeBytes {
		return errors.Newf("the free size of the metadata is %d, but the free blocks added up to %d", m.freeBytes, freeBytes)
	}

	if allocCount != m.allocCount {
		return errors.Newf("the allocation count of the metadata is %d, but the taken blocks added up to %d", m.allocCount, allocCount)
	}

	return nil
}
