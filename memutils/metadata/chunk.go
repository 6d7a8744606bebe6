package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/memutils"
)

// ChunkBlockMetadata divides an arena into equally-sized chunks and hands them out one at a time.
// It suits many small objects of the same size, such as per-object uniform blocks, where a free
// list would spend more on bookkeeping than the allocations themselves.
//
// Free chunks are kept on a stack, so the most recently freed chunk is the next one reused.
//
// ChunkBlockMetadata is not safe for concurrent use.
type ChunkBlockMetadata struct {
	blockMetadataBase

	chunkSize   int
	chunkStride int
	freeChunks  []int
	taken       []bool
}

var _ BlockMetadata = &ChunkBlockMetadata{}
var _ RegionVisitor = &ChunkBlockMetadata{}

// NewChunkBlockMetadata creates metadata for chunks of chunkSize bytes, each starting at a multiple
// of alignment. Init must be called before use.
func NewChunkBlockMetadata(chunkSize int, alignment uint) *ChunkBlockMetadata {
	if chunkSize < 1 {
		panic(errors.Newf("chunk size must be positive, got %d", chunkSize))
	}

	return &ChunkBlockMetadata{
		chunkSize:   chunkSize,
		chunkStride: memutils.AlignUp(chunkSize, alignment),
	}
}

// Init prepares the metadata to manage an arena of size bytes. Any tail too small for a whole chunk
// is never handed out.
func (m *ChunkBlockMetadata) Init(size int) {
	chunkCount := size / m.chunkStride
	if chunkCount < 1 {
		panic(errors.Newf("arena of %d bytes cannot hold a single %d byte chunk", size, m.chunkStride))
	}

	m.size = size
	m.taken = make([]bool, chunkCount)
	m.freeChunks = make([]int, chunkCount)

	// Lowest index on top of the stack
	for i := 0; i < chunkCount; i++ {
		m.freeChunks[i] = chunkCount - 1 - i
	}
}

// ChunkSize returns the usable size of each chunk
func (m *ChunkBlockMetadata) ChunkSize() int {
	return m.chunkSize
}

// ChunkStride returns the distance between the starts of adjacent chunks: the chunk size rounded up
// to the alignment the metadata was created with
func (m *ChunkBlockMetadata) ChunkStride() int {
	return m.chunkStride
}

// ChunkCount returns the number of chunks in the arena
func (m *ChunkBlockMetadata) ChunkCount() int {
	return len(m.taken)
}

// Allocate reserves one chunk and returns its offset. The returned error wraps
// memutils.ErrTooManyAllocationChunks when every chunk is taken.
func (m *ChunkBlockMetadata) Allocate() (int, error) {
	last := len(m.freeChunks) - 1
	if last < 0 {
		return 0, errors.Wrapf(memutils.ErrTooManyAllocationChunks, "all %d chunks of %d bytes are taken", len(m.taken), m.chunkSize)
	}

	index := m.freeChunks[last]
	m.freeChunks = m.freeChunks[:last]
	m.taken[index] = true

	return index * m.chunkStride, nil
}

func (m *ChunkBlockMetadata) chunkIndex(offset int) (int, error) {
	if offset < 0 || offset%m.chunkStride != 0 || offset/m.chunkStride >= len(m.taken) {
		return 0, errors.Wrapf(memutils.ErrInvalidFree, "offset %d is not the start of a chunk", offset)
	}

	return offset / m.chunkStride, nil
}

// Free returns the chunk at offset. The returned error wraps memutils.ErrInvalidFree if offset is not
// the start of a taken chunk.
func (m *ChunkBlockMetadata) Free(offset int) error {
	index, err := m.chunkIndex(offset)
	if err != nil {
		return err
	}

	if !m.taken[index] {
		return errors.Wrapf(memutils.ErrInvalidFree, "the chunk at offset %d is already free", offset)
	}

	m.taken[index] = false
	m.freeChunks = append(m.freeChunks, index)
	return nil
}

// IsTaken reports whether offset is the start of a taken chunk
func (m *ChunkBlockMetadata) IsTaken(offset int) bool {
	index, err := m.chunkIndex(offset)
	return err == nil && m.taken[index]
}

func (m *ChunkBlockMetadata) AllocationCount() int {
	return len(m.taken) - len(m.freeChunks)
}

func (m *ChunkBlockMetadata) SumFreeSize() int {
	return len(m.freeChunks) * m.chunkSize
}

func (m *ChunkBlockMetadata) IsEmpty() bool {
	return len(m.freeChunks) == len(m.taken)
}

func (m *ChunkBlockMetadata) VisitAllRegions(handleBlock func(region Suballocation) error) error {
	for index, taken := range m.taken {
		err := handleBlock(Suballocation{Offset: index * m.chunkStride, Size: m.chunkSize, Free: !taken})
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *ChunkBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for _, taken := range m.taken {
		if taken {
			stats.AddAllocation(m.chunkSize)
		} else {
			stats.AddUnusedRange(m.chunkSize)
		}
	}
}

func (m *ChunkBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.AllocationCount() * m.chunkSize
}

func (m *ChunkBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.writeJson(json, m.SumFreeSize(), m.AllocationCount(), len(m.freeChunks))
	json.Name("ChunkSize").Int(m.chunkSize)
	json.Name("ChunkStride").Int(m.chunkStride)
}

func (m *ChunkBlockMetadata) Validate() error {
	freeCount := 0
	seen := make([]bool, len(m.taken))

	for _, index := range m.freeChunks {
		if index < 0 || index >= len(m.taken) {
			return errors.Newf("free chunk index %d is out of range", index)
		}
		if m.taken[index] {
			return errors.Newf("chunk %d is on the free stack but is marked taken", index)
		}
		if seen[index] {
			return errors.Newf("chunk %d is on the free stack twice", index)
		}
		seen[index] = true
		freeCount++
	}

	takenCount := 0
	for index, taken := range m.taken {
		if taken {
			takenCount++
		} else if !seen[index] {
			return errors.Newf("chunk %d is free but missing from the free stack", index)
		}
	}

	if freeCount+takenCount != len(m.taken) {
		return errors.Newf("%d free chunks and %d taken chunks do not add up to %d", freeCount, takenCount, len(m.taken))
	}

	return nil
}
