package metadata

// AllocationStrategy exposes several options for choosing the location of a new allocation in a
// FreeListBlockMetadata. If none is chosen, AllocationStrategyMinMemory is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free range that can hold the allocation, to
	// minimize fragmentation, possibly at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first suitable free range found in the smallest size class
	// that can hold the allocation, without comparing candidates.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the suitable free range with the lowest offset. This keeps
	// allocations packed toward the start of the arena.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Default"
	}
	return str
}
