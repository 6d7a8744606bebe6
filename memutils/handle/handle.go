// Package handle packs an (arena index, byte offset) pair into a single 32-bit value so that
// callers can refer to a suballocation without holding a native pointer or buffer handle.
//
// The split between index bits and offset bits bounds both the number of arenas a codec can
// address and the largest arena it can reach into. Each resource category picks its own split:
// see GeometryCodec and UniformCodec.
package handle

import "fmt"

// Handle is an opaque reference to a suballocation. It means nothing without the Codec that
// produced it and the allocator that owns the arena it points into.
type Handle uint32

const handleBits = 32

// Codec encodes and decodes handles for one fixed bit split. The arena index occupies the low
// IndexBits bits and the offset occupies the remaining high bits.
type Codec struct {
	IndexBits  uint
	OffsetBits uint
}

var (
	// GeometryCodec addresses up to 64 arenas of up to 64 MiB each. Mesh data lives in a handful
	// of large arenas, so offset range matters more than arena count.
	GeometryCodec = NewCodec(6)
	// UniformCodec addresses up to 256 arenas of up to 16 MiB each. Uniform data is spread over
	// many small arenas, so arena count matters more than offset range.
	UniformCodec = NewCodec(8)
)

// NewCodec builds a codec that reserves indexBits bits for the arena index and the rest of
// the handle for the offset. It panics if indexBits leaves no room for either field.
func NewCodec(indexBits uint) Codec {
	if indexBits < 1 || indexBits >= handleBits {
		panic(fmt.Sprintf("handle codec index bits must be in [1, %d], got %d", handleBits-1, indexBits))
	}

	return Codec{
		IndexBits:  indexBits,
		OffsetBits: handleBits - indexBits,
	}
}

// MaxArenas is the number of distinct arena indices the codec can represent
func (c Codec) MaxArenas() int {
	return 1 << c.IndexBits
}

// MaxOffset is one past the largest offset the codec can represent, which is also the largest
// arena size whose every byte is addressable
func (c Codec) MaxOffset() int {
	return 1 << c.OffsetBits
}

// Fits reports whether Encode would accept the provided index and offset
func (c Codec) Fits(index, offset int) bool {
	return index >= 0 && offset >= 0 && index < c.MaxArenas() && offset < c.MaxOffset()
}

// Encode packs index and offset into a Handle. Out-of-range inputs are a sizing mistake made
// at configuration time, so Encode panics rather than returning an error. Use Fits to check
// values that did not come from a validated configuration.
func (c Codec) Encode(index, offset int) Handle {
	if index < 0 || index >= c.MaxArenas() {
		panic(fmt.Sprintf("arena index %d does not fit in %d handle bits", index, c.IndexBits))
	}
	if offset < 0 || offset >= c.MaxOffset() {
		panic(fmt.Sprintf("offset %d does not fit in %d handle bits", offset, c.OffsetBits))
	}

	return Handle(uint32(offset)<<c.IndexBits | uint32(index))
}

// Decode unpacks a Handle into its arena index and offset
func (c Codec) Decode(h Handle) (index, offset int) {
	indexMask := uint32(1)<<c.IndexBits - 1
	return int(uint32(h) & indexMask), int(uint32(h) >> c.IndexBits)
}

func (c Codec) String() string {
	return fmt.Sprintf("Codec{%d index bits, %d offset bits}", c.IndexBits, c.OffsetBits)
}
