package metadata

// Suballocation describes one contiguous region of an arena
type Suballocation struct {
	Offset int
	Size   int
	Free   bool
}

// End is one past the last byte of the region
func (s Suballocation) End() int {
	return s.Offset + s.Size
}

// Overlaps reports whether two regions share at least one byte
func (s Suballocation) Overlaps(other Suballocation) bool {
	return s.Offset < other.End() && other.Offset < s.End()
}
