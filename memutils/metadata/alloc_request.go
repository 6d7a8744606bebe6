package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestExact indicates that the allocation consumes the whole free range
	AllocationRequestExact AllocationRequestType = iota
	// AllocationRequestSplit indicates that the free range is larger than the allocation and the
	// remainder will stay free
	AllocationRequestSplit
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestExact: "Exact",
	AllocationRequestSplit: "Split",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from FreeListBlockMetadata.CreateAllocationRequest and indicates where
// the metadata intends to place a new allocation. The consumer may inspect it before committing it
// with FreeListBlockMetadata.Alloc. A request is only valid until the metadata is next modified.
type AllocationRequest struct {
	// Item is the region the allocation will occupy once committed
	Item Suballocation
	// Type identifies whether the chosen free range will be split
	Type AllocationRequestType

	// freeOffset is the offset of the free range the allocation will be carved from
	freeOffset int
}
